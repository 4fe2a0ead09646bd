package testfixtures

import (
	"encoding/json"
	"sync"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

// Conn is an in-memory core.SignalConnection that records everything sent
// or done to it.
type Conn struct {
	mu      sync.Mutex
	frames  []core.Frame
	closed  bool
	reasons []core.CloseReason

	// FailSends makes TrySend report backpressure.
	FailSends bool
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.FailSends {
		return core.ErrBackpressure
	}
	cp := make(core.Frame, len(f))
	copy(cp, f)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) CloseWithReason(r core.CloseReason) {
	c.mu.Lock()
	c.reasons = append(c.reasons, r)
	c.mu.Unlock()
	c.Close()
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CloseReasons() []core.CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.CloseReason, len(c.reasons))
	copy(out, c.reasons)
	return out
}

// Frames returns copies of every frame delivered so far.
func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Envelopes decodes the delivered frames.
func (c *Conn) Envelopes() []domain.Envelope {
	frames := c.Frames()
	out := make([]domain.Envelope, 0, len(frames))
	for _, f := range frames {
		var env domain.Envelope
		if err := json.Unmarshal(f, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// EnvelopesOfKind filters decoded envelopes by kind.
func (c *Conn) EnvelopesOfKind(kind domain.Kind) []domain.Envelope {
	var out []domain.Envelope
	for _, env := range c.Envelopes() {
		if env.Kind == kind {
			out = append(out, env)
		}
	}
	return out
}
