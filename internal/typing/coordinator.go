// Package typing tracks ephemeral "is typing" state. Coordinator runs on the
// server and relays typing to the partner; Indicator and Debouncer are the
// client halves.
package typing

import (
	"sync"
	"time"

	"github.com/pliu/tandem/internal/protocol"
)

const DefaultTimeout = 3 * time.Second

// Emitter delivers an event to every live connection of a user.
type Emitter interface {
	EmitTo(userID string, ev protocol.Outbound) int
}

type entry struct {
	partnerID string
	// source is the connection that last reported typing.
	source string
	timer  *time.Timer
}

// Coordinator relays partner_typing when a user starts typing and
// partner_stop_typing when they stop or go quiet for the timeout.
type Coordinator struct {
	emit    Emitter
	timeout time.Duration

	mu     sync.Mutex
	active map[string]*entry
}

func NewCoordinator(emit Emitter, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		emit:    emit,
		timeout: timeout,
		active:  make(map[string]*entry),
	}
}

// Start relays partner_typing to partnerID and (re)arms userID's expiry.
// source identifies the connection reporting the keystrokes.
func (c *Coordinator) Start(userID, partnerID, source string) {
	var stale string
	c.mu.Lock()
	if prev, ok := c.active[userID]; ok {
		prev.timer.Stop()
		if prev.partnerID != partnerID {
			stale = prev.partnerID
		}
	}
	e := &entry{partnerID: partnerID, source: source}
	e.timer = time.AfterFunc(c.timeout, func() { c.expire(userID, e) })
	c.active[userID] = e
	c.mu.Unlock()

	if stale != "" {
		c.emit.EmitTo(stale, protocol.PartnerStopTyping{})
	}
	c.emit.EmitTo(partnerID, protocol.PartnerTyping{})
}

// Stop relays partner_stop_typing if userID was typing. Stopping an idle user
// still tells partnerID so a stale indicator gets cleared.
func (c *Coordinator) Stop(userID, partnerID string) {
	c.mu.Lock()
	if e, ok := c.active[userID]; ok {
		e.timer.Stop()
		delete(c.active, userID)
		partnerID = e.partnerID
	}
	c.mu.Unlock()

	if partnerID != "" {
		c.emit.EmitTo(partnerID, protocol.PartnerStopTyping{})
	}
}

// Forget drops userID's typing state when source is the connection that last
// reported typing, relaying a stop only in that case. Another device of the
// same user going away leaves the state alone.
func (c *Coordinator) Forget(userID, source string) {
	c.mu.Lock()
	e, ok := c.active[userID]
	ok = ok && e.source == source
	if ok {
		e.timer.Stop()
		delete(c.active, userID)
	}
	c.mu.Unlock()

	if ok {
		c.emit.EmitTo(e.partnerID, protocol.PartnerStopTyping{})
	}
}

func (c *Coordinator) IsTyping(userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[userID]
	return ok
}

func (c *Coordinator) expire(userID string, e *entry) {
	c.mu.Lock()
	if c.active[userID] != e {
		// Renewed or stopped since this timer was armed.
		c.mu.Unlock()
		return
	}
	delete(c.active, userID)
	c.mu.Unlock()

	c.emit.EmitTo(e.partnerID, protocol.PartnerStopTyping{})
}

// Close disarms every pending expiry without emitting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.active {
		e.timer.Stop()
		delete(c.active, id)
	}
}
