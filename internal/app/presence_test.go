package app_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/curago/telemed/internal/app"
	"github.com/curago/telemed/internal/core"
	"github.com/curago/telemed/internal/testfixtures"
)

func TestRegistry_BindAndUnbind(t *testing.T) {
	req := require.New(t)
	reg := app.NewRegistry()
	conn := testfixtures.NewConn()

	req.False(reg.Bind("c-1", "dr-a", conn, nil))
	got, ok := reg.Lookup("c-1", "dr-a")
	req.True(ok)
	req.Same(conn, got.(*testfixtures.Conn))

	req.True(reg.Unbind("c-1", "dr-a", conn))
	_, ok = reg.Lookup("c-1", "dr-a")
	req.False(ok)
}

func TestRegistry_DuplicateJoinDisplacesOld(t *testing.T) {
	req := require.New(t)
	reg := app.NewRegistry()
	old := testfixtures.NewConn()
	cancelled := make(chan struct{})

	reg.Bind("c-1", "dr-a", old, func() { close(cancelled) })

	replacement := testfixtures.NewConn()
	req.True(reg.Bind("c-1", "dr-a", replacement, nil))

	// The old handle is closed asynchronously with the informational reason.
	req.Eventually(func() bool { return old.Closed() }, time.Second, 5*time.Millisecond)
	req.Equal([]core.CloseReason{core.CloseReplaced}, old.CloseReasons())
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("old pump was not cancelled")
	}

	// The replacement stays live and exactly one handle is bound.
	got, ok := reg.Lookup("c-1", "dr-a")
	req.True(ok)
	req.Same(replacement, got.(*testfixtures.Conn))
	req.False(replacement.Closed())
}

func TestRegistry_StaleUnbindIgnored(t *testing.T) {
	req := require.New(t)
	reg := app.NewRegistry()
	old := testfixtures.NewConn()
	replacement := testfixtures.NewConn()

	reg.Bind("c-1", "dr-a", old, nil)
	reg.Bind("c-1", "dr-a", replacement, nil)

	// The displaced connection's late disconnect must not unbind the new one.
	req.False(reg.Unbind("c-1", "dr-a", old))
	got, ok := reg.Lookup("c-1", "dr-a")
	req.True(ok)
	req.Same(replacement, got.(*testfixtures.Conn))
}

func TestRegistry_DropAll(t *testing.T) {
	req := require.New(t)
	reg := app.NewRegistry()
	a := testfixtures.NewConn()
	b := testfixtures.NewConn()
	other := testfixtures.NewConn()

	reg.Bind("c-1", "dr-a", a, nil)
	reg.Bind("c-1", "pt-b", b, nil)
	reg.Bind("c-2", "dr-z", other, nil)

	reg.DropAll("c-1", core.CloseEnded)

	req.True(a.Closed())
	req.True(b.Closed())
	req.Equal([]core.CloseReason{core.CloseEnded}, a.CloseReasons())
	req.False(other.Closed())

	_, ok := reg.Lookup("c-1", "dr-a")
	req.False(ok)
	_, ok = reg.Lookup("c-2", "dr-z")
	req.True(ok)
}
