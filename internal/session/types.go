package session

import (
	"sync"

	"github.com/google/uuid"
)

// Context is the per-connection state shared by a relay's two forwarding
// loops. All fields are guarded by mu; the lock transition happens at most once.
type Context struct {
	ID string

	mu             sync.RWMutex
	latestUserText string
	locked         bool
	identifier     string
	record         map[string]any
}

func NewContext() *Context {
	return &Context{ID: uuid.NewString()}
}

func (c *Context) SetLatestUserText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latestUserText = text
}

func (c *Context) LatestUserText() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestUserText
}

func (c *Context) IsLocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.locked
}

// Lock binds the session to identifier and record. Only the first call wins;
// later calls return false and leave the stored identity untouched.
func (c *Context) Lock(identifier string, record map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked {
		return false
	}
	c.locked = true
	c.identifier = identifier
	c.record = cloneRecord(record)
	return true
}

// Identity returns the locked identifier and a copy of its record.
func (c *Context) Identity() (string, map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.locked {
		return "", nil, false
	}
	return c.identifier, cloneRecord(c.record), true
}

// Reset clears every field; called when the browser socket closes.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latestUserText = ""
	c.locked = false
	c.identifier = ""
	c.record = nil
}

func cloneRecord(r map[string]any) map[string]any {
	if r == nil {
		return nil
	}
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
