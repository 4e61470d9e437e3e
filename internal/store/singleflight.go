package store

import "sync"

// loadGate coordinates concurrent snapshot reloads so that only one SQL load
// is in flight per store at a time; latecomers block on a channel instead of
// each issuing their own query, per §4.5/§5's "single coordinating primitive
// to prevent thundering loads".
type loadGate struct {
	mu       sync.Mutex
	inflight chan struct{}
	result   *Snapshot
	err      error
}

// do runs loadFn if no load is currently in flight, otherwise waits for the
// in-flight load and returns its result.
func (g *loadGate) do(loadFn func() (*Snapshot, error)) (*Snapshot, error) {
	g.mu.Lock()
	if ch := g.inflight; ch != nil {
		g.mu.Unlock()
		<-ch
		g.mu.Lock()
		result, err := g.result, g.err
		g.mu.Unlock()
		return result, err
	}
	ch := make(chan struct{})
	g.inflight = ch
	g.mu.Unlock()

	result, err := loadFn()

	g.mu.Lock()
	g.result, g.err = result, err
	g.inflight = nil
	g.mu.Unlock()
	close(ch)
	return result, err
}
