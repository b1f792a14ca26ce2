package synth

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockSynth is a scriptable Synthesizer for tests. It records every
// request and emits its configured chunks, then its configured error.
type MockSynth struct {
	Chunks [][]byte
	Err    error
	// Block makes the worker hang after emitting its chunks until the
	// context is cancelled, imitating a long-running synthesis.
	Block bool

	spawns atomic.Int32
	mu     sync.Mutex
	reqs   []Request
}

func (m *MockSynth) Synthesize(ctx context.Context, req Request) (<-chan []byte, <-chan error) {
	m.spawns.Add(1)
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()

	chunks := make(chan []byte)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range m.Chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if m.Block {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if m.Err != nil {
			errs <- m.Err
		}
	}()
	return chunks, errs
}

// Spawns reports how many workers were started.
func (m *MockSynth) Spawns() int {
	return int(m.spawns.Load())
}

// LastRequest returns the most recent request, or a zero Request.
func (m *MockSynth) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reqs) == 0 {
		return Request{}
	}
	return m.reqs[len(m.reqs)-1]
}
