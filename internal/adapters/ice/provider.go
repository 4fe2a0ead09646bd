// Package ice exposes the STUN/TURN endpoint list handed to clients at join
// time. Configuration only; this core never talks to the servers itself.
package ice

import (
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/curago/telemed/internal/config"
)

type Provider struct {
	servers []webrtc.ICEServer
}

func NewProvider(servers []config.ICEServer) *Provider {
	return &Provider{
		servers: lo.Map(servers, func(s config.ICEServer, _ int) webrtc.ICEServer {
			return webrtc.ICEServer{
				URLs:       s.URLs,
				Username:   s.Username,
				Credential: s.Credential,
			}
		}),
	}
}

// Servers returns a copy so callers cannot mutate the shared list.
func (p *Provider) Servers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(p.servers))
	copy(out, p.servers)
	return out
}
