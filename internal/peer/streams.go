package peer

import (
	"slices"

	"github.com/pion/webrtc/v4"
)

// RemoteStream groups the inbound tracks received from one peer.
type RemoteStream struct {
	PeerID string
	Tracks []*webrtc.TrackRemote
}

// Kinds returns the media kinds present in the stream.
func (s *RemoteStream) Kinds() []webrtc.RTPCodecType {
	var kinds []webrtc.RTPCodecType
	for _, t := range s.Tracks {
		if !slices.Contains(kinds, t.Kind()) {
			kinds = append(kinds, t.Kind())
		}
	}
	return kinds
}

// Streams maps peer id to its inbound stream. Like Manager it is driven
// from one goroutine.
type Streams struct {
	m map[string]*RemoteStream
}

// NewStreams returns an empty registry.
func NewStreams() *Streams {
	return &Streams{m: make(map[string]*RemoteStream)}
}

// Add records an inbound track and reports whether it opened a new entry.
func (s *Streams) Add(peerID string, track *webrtc.TrackRemote) bool {
	rs, ok := s.m[peerID]
	if !ok {
		rs = &RemoteStream{PeerID: peerID}
		s.m[peerID] = rs
	}
	rs.Tracks = append(rs.Tracks, track)
	return !ok
}

// Remove deletes the entry for peerID and reports whether it existed.
func (s *Streams) Remove(peerID string) bool {
	_, ok := s.m[peerID]
	delete(s.m, peerID)
	return ok
}

// Get returns the stream for peerID.
func (s *Streams) Get(peerID string) (*RemoteStream, bool) {
	rs, ok := s.m[peerID]
	return rs, ok
}

// Len returns the number of peers with a stream.
func (s *Streams) Len() int { return len(s.m) }

// IDs returns the peer ids with a stream, sorted.
func (s *Streams) IDs() []string {
	ids := make([]string, 0, len(s.m))
	for id := range s.m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Clear drops every entry.
func (s *Streams) Clear() {
	clear(s.m)
}
