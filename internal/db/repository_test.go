package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probefleet/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "probes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestProbe(t *testing.T, s *Store, userID int, customID string, port int) models.Probe {
	t.Helper()
	p := models.Probe{
		UserID:       userID,
		Name:         "Probe " + customID,
		CustomID:     customID,
		Port:         port,
		AssociatedAt: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
		Scripts: []models.Script{
			{Description: "Ping", Filename: "ping.sh", MinuteInterval: 5, Required: true},
			{Description: "Speed", Filename: "speed.py", MinuteInterval: 60},
		},
	}
	require.NoError(t, s.InsertProbe(context.Background(), &p))
	return p
}

func TestUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "alice", true)
	require.NoError(t, err)
	assert.NotZero(t, u.ID)

	_, err = s.CreateUser(ctx, "alice", false)
	assert.ErrorIs(t, err, ErrDuplicateUser)

	for _, name := range []string{"", "..", "a/b", "all"} {
		_, err = s.CreateUser(ctx, name, false)
		assert.ErrorIs(t, err, ErrInvalidUsername, name)
	}

	got, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.Admin)

	byID, err := s.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	_, err = s.GetUser(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteUserCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "bob", false)
	require.NoError(t, err)

	p := insertTestProbe(t, s, alice.ID, "aabbccddeeff", 50000)
	insertTestProbe(t, s, bob.ID, "112233445566", 50001)
	require.NoError(t, s.SaveNetworkConfig(ctx, models.NetworkConfig{ProbeID: p.ID, Name: "two_g", SSID: "eduroam"}))
	require.NoError(t, s.SaveDatabaseConfig(ctx, models.DatabaseConfig{UserID: alice.ID, Type: "influx", DBName: "wifi"}))

	require.NoError(t, s.DeleteUser(ctx, "alice"))

	_, err = s.GetProbe(ctx, "aabbccddeeff")
	assert.ErrorIs(t, err, ErrNotFound)
	scripts, err := s.GetScripts(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, scripts)
	dbs, err := s.GetDatabaseConfigs(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, dbs)

	_, err = s.GetProbe(ctx, "112233445566")
	assert.NoError(t, err)

	assert.ErrorIs(t, s.DeleteUser(ctx, "alice"), ErrNotFound)

	users, err := s.GetAllUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].Username)
}

func TestProbeUniqueness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)

	insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)

	dup := models.Probe{UserID: u.ID, CustomID: "aabbccddeeff", Port: 50001}
	assert.ErrorIs(t, s.InsertProbe(ctx, &dup), ErrDuplicateProbeID)

	samePort := models.Probe{UserID: u.ID, CustomID: "112233445566", Port: 50000}
	assert.ErrorIs(t, s.InsertProbe(ctx, &samePort), ErrDuplicateProbeID)

	inUse, err := s.ProbeIDInUse(ctx, "aabbccddeeff")
	require.NoError(t, err)
	assert.True(t, inUse)

	ports, err := s.UsedPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{50000}, ports)
}

func TestProbeRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)

	p := insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)

	got, err := s.GetProbe(ctx, "aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, 50000, got.Port)
	assert.True(t, p.AssociatedAt.Equal(got.AssociatedAt))
	assert.False(t, got.Associated)
	assert.True(t, got.LastUpdated.IsZero())

	scripts, err := s.GetScripts(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.True(t, scripts[0].Enabled, "required scripts are stored enabled")
	assert.False(t, scripts[1].Enabled)

	got.Name, got.Location = "Library", "2nd floor"
	got.CustomID = "aabbccddee00"
	require.NoError(t, s.UpdateProbeInfo(ctx, "aabbccddeeff", got))
	moved, err := s.GetProbe(ctx, "aabbccddee00")
	require.NoError(t, err)
	assert.Equal(t, "2nd floor", moved.Location)

	assert.ErrorIs(t, s.UpdateProbeInfo(ctx, "aabbccddeeff", got), ErrNotFound)
}

func TestSetKeysOnlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)

	require.NoError(t, s.SetKeys(ctx, "aabbccddeeff", "pub-1", "host-1"))
	assert.ErrorIs(t, s.SetKeys(ctx, "aabbccddeeff", "pub-2", "host-2"), ErrKeysAlreadySet)

	p, err := s.GetProbe(ctx, "aabbccddeeff")
	require.NoError(t, err)
	assert.Equal(t, "pub-1", p.PubKey)
	assert.True(t, p.Associated)

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.RenewAssociation(ctx, "aabbccddeeff", start))
	p, err = s.GetProbe(ctx, "aabbccddeeff")
	require.NoError(t, err)
	assert.False(t, p.HasKeys())
	assert.False(t, p.Associated)
	assert.True(t, start.Equal(p.AssociatedAt))

	require.NoError(t, s.SetKeys(ctx, "aabbccddeeff", "pub-2", "host-2"))
	assert.ErrorIs(t, s.RenewAssociation(ctx, "000000000000", start), ErrNotFound)
}

func TestMarkUpdatedRestampInterval(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)

	t0 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	restamped, err := s.MarkUpdated(ctx, "aabbccddeeff", t0, time.Minute)
	require.NoError(t, err)
	assert.True(t, restamped)

	restamped, err = s.MarkUpdated(ctx, "aabbccddeeff", t0.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	assert.False(t, restamped)

	p, err := s.GetProbe(ctx, "aabbccddeeff")
	require.NoError(t, err)
	assert.True(t, p.HasBeenUpdated)
	assert.True(t, t0.Equal(p.LastUpdated))

	restamped, err = s.MarkUpdated(ctx, "aabbccddeeff", t0.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, restamped)

	_, err = s.MarkUpdated(ctx, "000000000000", t0, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteProbeCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	p := insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)
	require.NoError(t, s.SaveNetworkConfig(ctx, models.NetworkConfig{ProbeID: p.ID, Name: "five_g", SSID: "eduroam"}))

	require.NoError(t, s.DeleteProbe(ctx, "aabbccddeeff"))

	networks, err := s.GetNetworkConfigs(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, networks)
	assert.ErrorIs(t, s.DeleteProbe(ctx, "aabbccddeeff"), ErrNotFound)

	ports, err := s.UsedPorts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ports, "the port is free again")
}

func TestCredentialUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	p := insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)

	require.NoError(t, s.SaveNetworkConfig(ctx, models.NetworkConfig{ProbeID: p.ID, Name: "two_g", SSID: "old"}))
	require.NoError(t, s.SaveNetworkConfig(ctx, models.NetworkConfig{ProbeID: p.ID, Name: "two_g", SSID: "new", Password: "pw"}))
	networks, err := s.GetNetworkConfigs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, networks, 1)
	assert.Equal(t, "new", networks[0].SSID)
	assert.Equal(t, "pw", networks[0].Password)

	require.NoError(t, s.SaveDatabaseConfig(ctx, models.DatabaseConfig{UserID: u.ID, Type: "influx", DBName: "a"}))
	require.NoError(t, s.SaveDatabaseConfig(ctx, models.DatabaseConfig{UserID: u.ID, Type: "influx", DBName: "b"}))
	require.NoError(t, s.SaveDatabaseConfig(ctx, models.DatabaseConfig{UserID: u.ID, Type: "elastic", DBName: "c", Token: "t"}))
	dbs, err := s.GetDatabaseConfigs(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, dbs, 2)
	assert.Equal(t, "elastic", dbs[0].Type)
	assert.Equal(t, "t", dbs[0].Token)
	assert.Equal(t, "b", dbs[1].DBName)
}

func TestReplaceScripts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	u, err := s.CreateUser(ctx, "alice", false)
	require.NoError(t, err)
	p := insertTestProbe(t, s, u.ID, "aabbccddeeff", 50000)

	require.NoError(t, s.ReplaceScripts(ctx, p.ID, []models.Script{
		{Description: "DNS", Filename: "dns.sh", Args: "-t 5", MinuteInterval: 10, Enabled: true},
	}))

	scripts, err := s.GetScripts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "-t 5", scripts[0].Args)
}
