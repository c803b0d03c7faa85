package session

import (
	"sync"
	"sync/atomic"
)

// Status is the latest value published on the shared status channel.
type Status struct {
	Value   any
	Present bool
}

// Handle is how the registry reaches one live browser connection.
type Handle struct {
	Send   func(v any) error
	Cancel func()
}

// Registry tracks live browser connections so status changes can be
// broadcast to all of them and shutdown can cancel them.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
	status  Status
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register adds a connection and returns the function that removes it.
func (r *Registry) Register(id string, h Handle) (unregister func()) {
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handles, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Broadcast sends v to every registered connection concurrently and waits
// for all sends to finish. A slow or failing connection does not delay or
// prevent delivery to the others.
func (r *Registry) Broadcast(v any) (sent, failed int) {
	var (
		wg       sync.WaitGroup
		ok, errs atomic.Int64
	)
	for _, h := range r.snapshot() {
		if h.Send == nil {
			continue
		}
		wg.Add(1)
		go func(send func(any) error) {
			defer wg.Done()
			if err := send(v); err != nil {
				errs.Add(1)
				return
			}
			ok.Add(1)
		}(h.Send)
	}
	wg.Wait()
	return int(ok.Load()), int(errs.Load())
}

func (r *Registry) SetStatus(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = Status{Value: v, Present: true}
}

func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CancelAll cancels every registered connection.
func (r *Registry) CancelAll() int {
	handles := r.snapshot()
	for _, h := range handles {
		if h.Cancel != nil {
			h.Cancel()
		}
	}
	return len(handles)
}

func (r *Registry) snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}
