package identity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probefleet/internal/models"
)

type memoryStore struct {
	mu     sync.Mutex
	probes map[string]models.Probe
	nextID int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{probes: make(map[string]models.Probe)}
}

func (s *memoryStore) ProbeIDInUse(_ context.Context, customID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.probes[customID]
	return ok, nil
}

func (s *memoryStore) UsedPorts(_ context.Context) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ports []int
	for _, p := range s.probes {
		ports = append(ports, p.Port)
	}
	return ports, nil
}

func (s *memoryStore) InsertProbe(_ context.Context, p *models.Probe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.probes {
		if existing.Port == p.Port {
			return fmt.Errorf("port %d already used", p.Port)
		}
	}
	s.nextID++
	p.ID = s.nextID
	s.probes[p.CustomID] = *p
	return nil
}

func (s *memoryStore) UpdateProbeInfo(_ context.Context, currentID string, p models.Probe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.probes[currentID]
	if !ok {
		return fmt.Errorf("unknown probe %s", currentID)
	}
	delete(s.probes, currentID)
	old.CustomID = p.CustomID
	old.Name = p.Name
	old.Location = p.Location
	s.probes[p.CustomID] = old
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestAllocatorCreate(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAllocator(newMemoryStore(), fixedClock(start), nil)

	p, err := a.Create(context.Background(), models.Probe{Name: "Lab", CustomID: "AA:BB:CC:DD:EE:FF"})
	require.NoError(t, err)

	assert.Equal(t, "aabbccddeeff", p.CustomID)
	assert.Equal(t, MinTunnelPort, p.Port)
	assert.Equal(t, start, p.AssociatedAt)
	assert.False(t, p.Associated)
	assert.NotZero(t, p.ID)
}

func TestAllocatorRejectsDuplicateAndInvalid(t *testing.T) {
	a := NewAllocator(newMemoryStore(), nil, nil)
	ctx := context.Background()

	_, err := a.Create(ctx, models.Probe{CustomID: "aabbccddeeff"})
	require.NoError(t, err)

	_, err = a.Create(ctx, models.Probe{CustomID: "AA:BB:CC:DD:EE:FF"})
	assert.ErrorIs(t, err, ErrDuplicateOrInvalidIdentity)

	_, err = a.Create(ctx, models.Probe{CustomID: "not-a-mac"})
	assert.ErrorIs(t, err, ErrDuplicateOrInvalidIdentity)
}

func TestAllocatorSkipsUsedPorts(t *testing.T) {
	store := newMemoryStore()
	store.probes["000000000001"] = models.Probe{CustomID: "000000000001", Port: 50000}
	store.probes["000000000002"] = models.Probe{CustomID: "000000000002", Port: 50002}
	a := NewAllocator(store, nil, nil)

	p, err := a.Create(context.Background(), models.Probe{CustomID: "000000000003"})
	require.NoError(t, err)
	assert.Equal(t, 50001, p.Port)

	p, err = a.Create(context.Background(), models.Probe{CustomID: "000000000004"})
	require.NoError(t, err)
	assert.Equal(t, 50003, p.Port)
}

func TestAllocatorConcurrentCreatesGetDistinctPorts(t *testing.T) {
	a := NewAllocator(newMemoryStore(), nil, nil)
	const n = 50

	var wg sync.WaitGroup
	ports := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := a.Create(context.Background(), models.Probe{CustomID: fmt.Sprintf("%012x", i+1)})
			ports[i], errs[i] = p.Port, err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	sort.Ints(ports)
	for i, port := range ports {
		assert.Equal(t, MinTunnelPort+i, port)
	}
}

func TestFirstFreePortExhausted(t *testing.T) {
	var used []int
	for port := MinTunnelPort; port <= MaxTunnelPort; port++ {
		used = append(used, port)
	}

	_, err := FirstFreePort(used)
	assert.ErrorIs(t, err, ErrPortSpaceExhausted)

	port, err := FirstFreePort(used[:len(used)-1])
	require.NoError(t, err)
	assert.Equal(t, MaxTunnelPort, port)
}

func TestAllocatorUpdateRevalidatesNewMAC(t *testing.T) {
	a := NewAllocator(newMemoryStore(), nil, nil)
	ctx := context.Background()

	_, err := a.Create(ctx, models.Probe{CustomID: "aabbccddeeff"})
	require.NoError(t, err)
	_, err = a.Create(ctx, models.Probe{CustomID: "112233445566"})
	require.NoError(t, err)

	_, err = a.Update(ctx, "aabbccddeeff", models.Probe{CustomID: "11:22:33:44:55:66"})
	assert.ErrorIs(t, err, ErrDuplicateOrInvalidIdentity)

	p, err := a.Update(ctx, "AA:BB:CC:DD:EE:FF", models.Probe{Name: "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "aabbccddeeff", p.CustomID)

	p, err = a.Update(ctx, "aabbccddeeff", models.Probe{CustomID: "AA:AA:AA:AA:AA:AA", Name: "Moved"})
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaaaaaa", p.CustomID)
}
