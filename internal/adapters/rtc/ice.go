// Package rtc holds the peer connection hints handed to clients.
// The broker never terminates media itself.
package rtc

import (
	"errors"
	"fmt"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

var ErrNoICEURLs = errors.New("ice server without urls")

// ServerConfig is one configured STUN/TURN entry.
type ServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// ICEServers validates every URL and converts the entries to the pion
// representation, which is also the browser RTCIceServer JSON shape.
// An empty list yields the defaults.
func ICEServers(cfg []ServerConfig) ([]webrtc.ICEServer, error) {
	if len(cfg) == 0 {
		return DefaultICEServers(), nil
	}
	out := make([]webrtc.ICEServer, 0, len(cfg))
	for i, s := range cfg {
		if len(s.URLs) == 0 {
			return nil, fmt.Errorf("ice server %d: %w", i, ErrNoICEURLs)
		}
		for _, raw := range s.URLs {
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("ice server %d url %q: %w", i, raw, err)
			}
			if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) && s.Username == "" {
				return nil, fmt.Errorf("ice server %d url %q: turn requires username", i, raw)
			}
		}
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, srv)
	}
	return out, nil
}
