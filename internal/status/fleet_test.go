package status_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probefleet/internal/association"
	"probefleet/internal/db"
	"probefleet/internal/exporter"
	"probefleet/internal/identity"
	"probefleet/internal/models"
	"probefleet/internal/push"
	"probefleet/internal/sshkeys/keytest"
	"probefleet/internal/status"
)

type exitedHandle struct{}

func (exitedHandle) PID() int    { return 4242 }
func (exitedHandle) Alive() bool { return false }

// logWritingSpawner plays the runner by writing a finished log
type logWritingSpawner struct {
	log string
}

func (s logWritingSpawner) Spawn(spec push.RunSpec) (push.ProcessHandle, error) {
	if err := os.WriteFile(spec.LogPath, []byte(s.log), 0o644); err != nil {
		return nil, err
	}
	return exitedHandle{}, nil
}

type allReachable struct{}

func (allReachable) Reachable(context.Context, int) bool { return true }

func TestProbeLifecycle(t *testing.T) {
	ctx := context.Background()
	store, err := db.Open(filepath.Join(t.TempDir(), "probes.db"))
	require.NoError(t, err)
	defer store.Close()

	user, err := store.CreateUser(ctx, "alice", false)
	require.NoError(t, err)

	p, err := identity.NewAllocator(store, nil, nil).Create(ctx, models.Probe{
		UserID: user.ID, Name: "Library", CustomID: "AA:BB:CC:DD:EE:FF",
	})
	require.NoError(t, err)
	assert.Equal(t, "aabbccddeeff", p.CustomID)
	assert.Equal(t, 50000, p.Port)

	exp := exporter.New(t.TempDir(), "Example University")
	hostKeys := exporter.NewHostKeyRegistry(exp.Layout, store, nil)
	handshake := association.NewService(store, hostKeys, 30*time.Minute, nil, nil)

	require.NoError(t, handshake.RegisterKeys(ctx, "AA:BB:CC:DD:EE:FF", keytest.UserKey(t, "pi@probe"), keytest.HostKey(t)))
	err = handshake.RegisterKeys(ctx, "AA:BB:CC:DD:EE:FF", keytest.UserKey(t, "pi@other"), keytest.HostKey(t))
	assert.Equal(t, association.ReasonAlreadyRegistered, association.Reason(err))

	runs := push.NewRunRegistry(exp.Layout)
	tracker := status.NewTracker(exp.Layout, runs, store, status.Options{})
	spawner := logWritingSpawner{log: "PLAY RECAP *****\naabbccddeeff : ok=5 changed=0 unreachable=0 failed=0\n"}
	orch := push.NewOrchestrator(store, exp, hostKeys, runs, allReachable{}, spawner, tracker, push.Options{
		Runner: "ansible-playbook", Playbook: "probes.yml",
	})

	res, err := orch.Push(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"aabbccddeeff"}, res.Inventory)

	run, err := tracker.Running(ctx, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, models.RunNotRunning, run)

	st, err := tracker.DeviceStatus(ctx, "alice", "AA:BB:CC:DD:EE:FF", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st)

	updated, err := store.GetProbe(ctx, "aabbccddeeff")
	require.NoError(t, err)
	assert.True(t, updated.HasBeenUpdated)
	assert.False(t, updated.LastUpdated.IsZero())
}
