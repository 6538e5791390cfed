package core

import (
	"sync"

	"github.com/mwickert/elicit/internal/domain"
)

// Callbacks holds one subscriber slot per event. Registering overwrites
// the previous slot; there is no accumulation, so callers must not rely
// on more than one live subscriber per event.
type Callbacks struct {
	mu      sync.RWMutex
	onImage func(domain.ImageUpdate)
	onStart func(domain.Session)
	onEnd   func()
}

func (c *Callbacks) SetImageUpdate(fn func(domain.ImageUpdate)) {
	c.mu.Lock()
	c.onImage = fn
	c.mu.Unlock()
}

func (c *Callbacks) SetSessionStart(fn func(domain.Session)) {
	c.mu.Lock()
	c.onStart = fn
	c.mu.Unlock()
}

func (c *Callbacks) SetSessionEnd(fn func()) {
	c.mu.Lock()
	c.onEnd = fn
	c.mu.Unlock()
}

func (c *Callbacks) EmitImageUpdate(u domain.ImageUpdate) {
	c.mu.RLock()
	fn := c.onImage
	c.mu.RUnlock()
	if fn != nil {
		fn(u)
	}
}

func (c *Callbacks) EmitSessionStart(s domain.Session) {
	c.mu.RLock()
	fn := c.onStart
	c.mu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Callbacks) EmitSessionEnd() {
	c.mu.RLock()
	fn := c.onEnd
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Clear drops all slots. Disconnect calls this so a discarded adapter
// cannot fire into a dead consumer.
func (c *Callbacks) Clear() {
	c.mu.Lock()
	c.onImage, c.onStart, c.onEnd = nil, nil, nil
	c.mu.Unlock()
}
