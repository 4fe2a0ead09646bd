package app_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/curago/telemed/internal/app"
	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/domain"
	"github.com/curago/telemed/internal/testfixtures"
)

const retention = 30 * time.Second

type coordHarness struct {
	coord     *app.Coordinator
	clock     *testfixtures.Clock
	scheduler *testfixtures.Scheduler
	auth      *testfixtures.Authorizer
	chat      *testfixtures.ChatStore
}

func newCoordHarness(t *testing.T) *coordHarness {
	t.Helper()
	h := &coordHarness{
		clock:     testfixtures.NewClock(time.Time{}),
		scheduler: testfixtures.NewScheduler(),
		auth:      &testfixtures.Authorizer{},
		chat:      testfixtures.NewChatStore(),
	}
	h.coord = app.NewCoordinator(h.auth, h.scheduler, h.chat, app.CoordinatorConfig{
		GraceWindow:       graceWindow,
		NoShowTimeout:     noShowTimeout,
		TerminalRetention: retention,
		DefaultCapacity:   2,
	}, h.clock)
	return h
}

func (h *coordHarness) schedule(id domain.ConsultationID, capacity int, roles ...domain.Role) {
	if len(roles) == 0 {
		roles = []domain.Role{domain.RoleDoctor, domain.RolePatient}
	}
	h.scheduler.Put(id, core.Eligibility{
		Exists:         true,
		ScheduledStart: h.clock.Now(),
		Roles:          roles,
		Capacity:       capacity,
	})
}

func (h *coordHarness) connect(t *testing.T, id domain.ConsultationID, identity domain.Identity, role domain.Role) *testfixtures.Conn {
	t.Helper()
	conn := testfixtures.NewConn()
	ack, reason := h.coord.Connect(context.Background(), id, testfixtures.Token(identity, role), conn, nil)
	require.Empty(t, reason)
	require.Equal(t, identity, ack.Identity)
	return conn
}

func endControl(t *testing.T) []byte {
	t.Helper()
	return frame(t, domain.Envelope{
		Kind:    domain.KindControl,
		Payload: json.RawMessage(`{"action":"end-consultation"}`),
	})
}

func TestCoordinator_HappyPath(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-1", 2)

	statusCh, unsubscribe := h.coord.Status().Subscribe()
	defer unsubscribe()

	doctor := h.connect(t, "c-1", "dr-a", domain.RoleDoctor)
	view, err := h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateWaiting, view.State)

	patient := h.connect(t, "c-1", "pt-b", domain.RolePatient)
	view, err = h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateActive, view.State)

	// The doctor observed the patient's join; the patient joined last and
	// saw nobody arrive after them.
	req.Len(doctor.EnvelopesOfKind(domain.KindPresenceUpdate), 1)
	req.Empty(patient.EnvelopesOfKind(domain.KindPresenceUpdate))

	h.coord.Inbound("c-1", "dr-a", doctor, endControl(t))

	req.True(doctor.Closed())
	req.True(patient.Closed())
	req.Equal([]core.CloseReason{core.CloseEnded}, patient.CloseReasons())

	var seen []domain.State
	for len(statusCh) > 0 {
		seen = append(seen, (<-statusCh).To)
	}
	req.Equal([]domain.State{domain.StateWaiting, domain.StateActive, domain.StateEnded}, seen)

	// Bounded retention, then the consultation is evicted from memory.
	view, err = h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateEnded, view.State)
	h.clock.Advance(retention + time.Second)
	_, err = h.coord.Consultation("c-1")
	req.ErrorIs(err, core.ErrNotFound)
}

func TestCoordinator_RejectionReasons(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *coordHarness)
		id     domain.ConsultationID
		token  string
		reason core.CloseReason
	}{
		{
			name:   "unauthorized",
			setup:  func(h *coordHarness) { h.auth.Deny = true },
			id:     "c-ok",
			token:  testfixtures.Token("dr-a", domain.RoleDoctor),
			reason: core.CloseUnauthorized,
		},
		{
			name:   "unknown consultation",
			id:     "ghost",
			token:  testfixtures.Token("dr-a", domain.RoleDoctor),
			reason: core.CloseNotFound,
		},
		{
			name:   "ended externally",
			id:     "c-ended",
			token:  testfixtures.Token("dr-a", domain.RoleDoctor),
			reason: core.CloseNotEligible,
		},
		{
			name:   "scheduler unreachable",
			setup:  func(h *coordHarness) { h.scheduler.Err = context.DeadlineExceeded },
			id:     "c-ok",
			token:  testfixtures.Token("dr-a", domain.RoleDoctor),
			reason: core.CloseNotEligible,
		},
		{
			name:   "role outside consultation",
			id:     "c-ok",
			token:  testfixtures.Token("obs-x", domain.RoleObserver),
			reason: core.CloseUnauthorized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			h := newCoordHarness(t)
			h.schedule("c-ok", 2)
			h.scheduler.Put("c-ended", core.Eligibility{
				Exists:          true,
				Roles:           []domain.Role{domain.RoleDoctor, domain.RolePatient},
				EndedExternally: true,
			})
			if tc.setup != nil {
				tc.setup(h)
			}
			conn := testfixtures.NewConn()
			ack, reason := h.coord.Connect(context.Background(), tc.id, tc.token, conn, nil)
			req.Nil(ack)
			req.Equal(tc.reason, reason)
			if tc.id == "ghost" {
				// An unknown id must not leave anything materialized.
				_, err := h.coord.Consultation(tc.id)
				req.ErrorIs(err, core.ErrNotFound)
			}
		})
	}
}

func TestCoordinator_RoomFull(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-3", 2, domain.RoleDoctor, domain.RolePatient, domain.RoleObserver)

	doctor := h.connect(t, "c-3", "dr-a", domain.RoleDoctor)
	patient := h.connect(t, "c-3", "pt-b", domain.RolePatient)

	conn := testfixtures.NewConn()
	ack, reason := h.coord.Connect(context.Background(), "c-3",
		testfixtures.Token("obs-c", domain.RoleObserver), conn, nil)
	req.Nil(ack)
	req.Equal(core.CloseRoomFull, reason)

	// The two admitted participants are untouched.
	req.False(doctor.Closed())
	req.False(patient.Closed())
	view, err := h.coord.Consultation("c-3")
	req.NoError(err)
	req.Len(view.Members, 2)
	req.Equal(domain.StateActive, view.State)
}

// Two barrier-synchronized joins racing for the last seat of a capacity-2
// room: exactly one may be admitted, never both.
func TestCoordinator_ConcurrentJoinsRespectCapacity(t *testing.T) {
	req := require.New(t)
	for i := 0; i < 200; i++ {
		h := newCoordHarness(t)
		h.schedule("c-3", 2, domain.RoleDoctor, domain.RolePatient, domain.RoleObserver)
		h.connect(t, "c-3", "dr-a", domain.RoleDoctor)

		attempts := []struct {
			identity domain.Identity
			role     domain.Role
		}{
			{"pt-b", domain.RolePatient},
			{"obs-c", domain.RoleObserver},
		}
		start := make(chan struct{})
		reasons := make([]core.CloseReason, len(attempts))
		var wg sync.WaitGroup
		for j, a := range attempts {
			wg.Add(1)
			go func(j int, identity domain.Identity, role domain.Role) {
				defer wg.Done()
				<-start
				conn := testfixtures.NewConn()
				_, reasons[j] = h.coord.Connect(context.Background(), "c-3",
					testfixtures.Token(identity, role), conn, nil)
			}(j, a.identity, a.role)
		}
		close(start)
		wg.Wait()

		admitted := 0
		for _, r := range reasons {
			if r == "" {
				admitted++
			} else {
				req.Equal(core.CloseRoomFull, r)
			}
		}
		req.Equal(1, admitted)

		view, err := h.coord.Consultation("c-3")
		req.NoError(err)
		connected := 0
		for _, m := range view.Members {
			if m.Connected {
				connected++
			}
		}
		req.LessOrEqual(connected, 2)
	}
}

// A join racing the no-show timer must never end up as a live handle bound
// to a failed consultation: it is either rejected, or admitted and then
// closed by the terminal cleanup.
func TestCoordinator_JoinRacingTerminalCleanup(t *testing.T) {
	req := require.New(t)
	for i := 0; i < 200; i++ {
		h := newCoordHarness(t)
		h.schedule("c-2", 2)

		conn := testfixtures.NewConn()
		var reason core.CloseReason
		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			h.clock.Advance(noShowTimeout + time.Second)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, reason = h.coord.Connect(context.Background(), "c-2",
				testfixtures.Token("dr-a", domain.RoleDoctor), conn, nil)
		}()
		close(start)
		wg.Wait()

		if reason != "" {
			req.Equal(core.CloseNotEligible, reason)
			continue
		}
		view, err := h.coord.Consultation("c-2")
		req.NoError(err)
		if view.State == domain.StateFailed {
			req.True(conn.Closed())
			req.Equal([]core.CloseReason{core.CloseFailed}, conn.CloseReasons())
		} else {
			// The timer re-armed in the future relative to the advanced
			// clock, so the join simply won.
			req.Equal(domain.StateWaiting, view.State)
			req.False(conn.Closed())
		}
	}
}

func TestCoordinator_DuplicateJoinDisplaces(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-1", 2)

	first := h.connect(t, "c-1", "dr-a", domain.RoleDoctor)
	second := h.connect(t, "c-1", "dr-a", domain.RoleDoctor)

	req.Eventually(func() bool { return first.Closed() }, time.Second, 5*time.Millisecond)
	req.Equal([]core.CloseReason{core.CloseReplaced}, first.CloseReasons())
	req.False(second.Closed())

	// The old handle's late pump exit must not disturb the replacement.
	h.coord.Disconnect("c-1", "dr-a", first)
	view, err := h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateWaiting, view.State)
	req.Len(view.Members, 1)
	req.True(view.Members[0].Connected)
}

func TestCoordinator_TransientDropAndRejoin(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-1", 2)

	doctor := h.connect(t, "c-1", "dr-a", domain.RoleDoctor)
	patient := h.connect(t, "c-1", "pt-b", domain.RolePatient)

	h.coord.Disconnect("c-1", "pt-b", patient)
	view, err := h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateWaiting, view.State)
	// Doctor sees the presence change.
	req.Len(doctor.EnvelopesOfKind(domain.KindPresenceUpdate), 2)

	h.clock.Advance(30 * time.Second)
	rejoined := h.connect(t, "c-1", "pt-b", domain.RolePatient)
	view, err = h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateActive, view.State)
	req.False(rejoined.Closed())

	h.clock.Advance(2 * graceWindow)
	view, err = h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateActive, view.State)
}

func TestCoordinator_NoShowFailsAndClosesWaiter(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-2", 2)

	// Only the doctor shows up; the patient never arrives.
	doctor := h.connect(t, "c-2", "dr-a", domain.RoleDoctor)
	h.clock.Advance(noShowTimeout + time.Second)

	view, err := h.coord.Consultation("c-2")
	req.NoError(err)
	req.Equal(domain.StateFailed, view.State)
	req.True(doctor.Closed())
	req.Equal([]core.CloseReason{core.CloseFailed}, doctor.CloseReasons())

	// A failed consultation admits nobody during its retention window.
	late := testfixtures.NewConn()
	ack, reason := h.coord.Connect(context.Background(), "c-2",
		testfixtures.Token("pt-b", domain.RolePatient), late, nil)
	req.Nil(ack)
	req.Equal(core.CloseNotEligible, reason)
}

func TestCoordinator_AbandonedAfterActiveFails(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-2", 2)

	doctor := h.connect(t, "c-2", "dr-a", domain.RoleDoctor)
	patient := h.connect(t, "c-2", "pt-b", domain.RolePatient)

	h.coord.Disconnect("c-2", "pt-b", patient)
	h.coord.Disconnect("c-2", "dr-a", doctor)
	view, err := h.coord.Consultation("c-2")
	req.NoError(err)
	req.Equal(domain.StateWaiting, view.State)

	h.clock.Advance(graceWindow + time.Second)
	view, err = h.coord.Consultation("c-2")
	req.NoError(err)
	req.Equal(domain.StateFailed, view.State)
}

func TestCoordinator_EndIgnoredFromPatient(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-1", 2)

	h.connect(t, "c-1", "dr-a", domain.RoleDoctor)
	patient := h.connect(t, "c-1", "pt-b", domain.RolePatient)

	h.coord.Inbound("c-1", "pt-b", patient, endControl(t))
	view, err := h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateActive, view.State)
}

func TestCoordinator_EndExternally(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-1", 2)

	doctor := h.connect(t, "c-1", "dr-a", domain.RoleDoctor)

	req.NoError(h.coord.EndExternally("c-1"))
	req.True(doctor.Closed())
	view, err := h.coord.Consultation("c-1")
	req.NoError(err)
	req.Equal(domain.StateEnded, view.State)

	req.ErrorIs(h.coord.EndExternally("ghost"), core.ErrNotFound)
}

func TestCoordinator_Shutdown(t *testing.T) {
	req := require.New(t)
	h := newCoordHarness(t)
	h.schedule("c-1", 2)

	doctor := h.connect(t, "c-1", "dr-a", domain.RoleDoctor)
	h.coord.Shutdown()

	req.True(doctor.Closed())
	req.Equal([]core.CloseReason{core.CloseServerShutdown}, doctor.CloseReasons())
	_, err := h.coord.Consultation("c-1")
	req.ErrorIs(err, core.ErrNotFound)
}
