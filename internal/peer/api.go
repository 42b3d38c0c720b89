package peer

import (
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUN is the default value of the ice.stun_urls setting.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEConfig lists the STUN/TURN servers handed to every peer connection.
type ICEConfig struct {
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// Servers converts the configuration into pion ICE servers. Empty and
// whitespace-only URLs are ignored; TURN entries carry the credentials.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stun := clean(c.STUNURLs); len(stun) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if turn := clean(c.TURNURLs); len(turn) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       turn,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	return servers
}

func clean(urls []string) []string {
	var out []string
	for _, u := range urls {
		if v := strings.TrimSpace(u); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// newAPI builds the pion API shared by all peer connections of a Manager:
// default codecs, the default interceptor chain (NACK, RTCP reports, TWCC)
// and a 10s disconnected / 30s failed ICE timeout.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}
