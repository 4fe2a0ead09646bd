// Package schedule adapts the external scheduling collaborator. The Directory
// is its in-process edge: consultations become eligible here (fed by the
// admin API) and the coordinator consults it at connect time.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
)

var ErrAlreadyScheduled = errors.New("consultation already scheduled")

// Entry is one scheduled consultation as the scheduling system sees it.
type Entry struct {
	ID               domain.ConsultationID `json:"id"`
	Roles            []domain.Role         `json:"roles"`
	Capacity         int                   `json:"capacity"`
	ScheduledStart   time.Time             `json:"scheduledStart"`
	RecordingEnabled bool                  `json:"recordingEnabled"`
	Ended            bool                  `json:"ended"`
}

type Directory struct {
	mu      sync.RWMutex
	entries map[domain.ConsultationID]*Entry
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[domain.ConsultationID]*Entry)}
}

func (d *Directory) Schedule(e Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[e.ID]; ok {
		return ErrAlreadyScheduled
	}
	cp := e
	d.entries[e.ID] = &cp
	return nil
}

// MarkEnded records the external "visit closed" signal so later joins are
// rejected as not eligible.
func (d *Directory) MarkEnded(id domain.ConsultationID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return false
	}
	e.Ended = true
	return true
}

func (d *Directory) Get(id domain.ConsultationID) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (d *Directory) List() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	return out
}

// Eligibility implements core.Scheduler.
func (d *Directory) Eligibility(_ context.Context, id domain.ConsultationID) (core.Eligibility, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[id]
	if !ok {
		return core.Eligibility{}, nil
	}
	return core.Eligibility{
		Exists:           true,
		ScheduledStart:   e.ScheduledStart,
		Roles:            e.Roles,
		Capacity:         e.Capacity,
		RecordingEnabled: e.RecordingEnabled,
		EndedExternally:  e.Ended,
	}, nil
}
