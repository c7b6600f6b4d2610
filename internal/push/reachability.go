package push

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"probefleet/internal/models"
)

// maxConcurrentProbes bounds simultaneous connect attempts
const maxConcurrentProbes = 20

// Prober decides whether a probe's reverse tunnel is up
type Prober interface {
	Reachable(ctx context.Context, port int) bool
}

// TCPProber connects to the loopback end of a tunnel and closes the
// connection without sending anything
type TCPProber struct {
	Host    string
	Timeout time.Duration
}

func (p TCPProber) Reachable(ctx context.Context, port int) bool {
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// reachableProbes checks every probe concurrently and returns the ids of
// those whose tunnel accepted a connection
func reachableProbes(ctx context.Context, prober Prober, probes []models.Probe) map[string]bool {
	var wg sync.WaitGroup
	var mu sync.Mutex
	reachable := make(map[string]bool, len(probes))

	sem := make(chan struct{}, maxConcurrentProbes)
	for _, p := range probes {
		wg.Add(1)
		go func(p models.Probe) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if prober.Reachable(ctx, p.Port) {
				mu.Lock()
				reachable[p.CustomID] = true
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	return reachable
}
