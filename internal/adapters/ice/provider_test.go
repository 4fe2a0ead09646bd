package ice

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/curago/telemed/internal/config"
)

func TestProvider_Servers(t *testing.T) {
	req := require.New(t)
	p := NewProvider([]config.ICEServer{
		{URLs: []string{"stun:stun.example.org:3478"}},
		{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "c"},
	})

	servers := p.Servers()
	req.Len(servers, 2)
	req.Equal([]string{"stun:stun.example.org:3478"}, servers[0].URLs)
	req.Equal("u", servers[1].Username)

	// Mutating the returned slice must not leak into the provider.
	servers[0].URLs = nil
	req.Equal([]string{"stun:stun.example.org:3478"}, p.Servers()[0].URLs)
}

func TestProvider_Empty(t *testing.T) {
	require.Empty(t, NewProvider(nil).Servers())
}
