package testfixtures

import (
	"context"
	"strings"
	"sync"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

// Authorizer accepts tokens of the form "identity:role" and grants them for
// every consultation, unless Deny is set.
type Authorizer struct {
	Deny bool
}

func (a *Authorizer) Authorize(_ context.Context, token string, _ domain.ConsultationID) (core.AuthClaims, error) {
	if a.Deny {
		return core.AuthClaims{}, core.ErrUnauthorized
	}
	identity, roleStr, ok := strings.Cut(token, ":")
	if !ok || identity == "" {
		return core.AuthClaims{}, core.ErrUnauthorized
	}
	role, err := domain.ParseRole(roleStr)
	if err != nil {
		return core.AuthClaims{}, core.ErrUnauthorized
	}
	return core.AuthClaims{Identity: domain.Identity(identity), Role: role}, nil
}

// Token builds the token the fixture Authorizer understands.
func Token(identity domain.Identity, role domain.Role) string {
	return string(identity) + ":" + string(role)
}

// Scheduler serves eligibility answers from a map; Err makes every call fail
// as if the scheduling service were unreachable.
type Scheduler struct {
	mu      sync.Mutex
	entries map[domain.ConsultationID]core.Eligibility
	Err     error
}

func NewScheduler() *Scheduler {
	return &Scheduler{entries: make(map[domain.ConsultationID]core.Eligibility)}
}

func (s *Scheduler) Put(id domain.ConsultationID, e core.Eligibility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = e
}

func (s *Scheduler) Eligibility(_ context.Context, id domain.ConsultationID) (core.Eligibility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return core.Eligibility{}, s.Err
	}
	return s.entries[id], nil
}

// ChatStore keeps appended frames in memory, in order.
type ChatStore struct {
	mu     sync.Mutex
	frames map[domain.ConsultationID][][]byte
	Err    error
}

func NewChatStore() *ChatStore {
	return &ChatStore{frames: make(map[domain.ConsultationID][][]byte)}
}

func (c *ChatStore) Append(_ context.Context, id domain.ConsultationID, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	c.frames[id] = append(c.frames[id], cp)
	return nil
}

func (c *ChatStore) History(_ context.Context, id domain.ConsultationID, limit int) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.frames[id]
	if limit > 0 && limit < len(frames) {
		frames = frames[:limit]
	}
	out := make([][]byte, len(frames))
	copy(out, frames)
	return out, nil
}

func (c *ChatStore) Close() error { return nil }

// Len reports how many frames were persisted for a consultation.
func (c *ChatStore) Len(id domain.ConsultationID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames[id])
}
