// Package room provides an [audio.Platform] implementation for browser-based
// voice rooms over WebRTC. Learners join a room from the browser; each
// connected peer maps to a participant with a dedicated input audio stream
// and access to the shared tutor output stream.
//
// The platform runs a signaling server that accepts peer connections and
// carries the learner's session metadata (difficulty, topic) on join. Audio
// on the wire is Opus at 48 kHz stereo; the Connection decodes incoming
// packets to PCM frames and encodes outgoing tutor audio.
//
// Peer connection handling is abstracted behind the [PeerTransport]
// interface so a concrete WebRTC stack can be integrated without touching
// the room logic.
package room

import (
	"context"

	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
)

// Compile-time interface assertions.
var _ audio.Platform = (*Platform)(nil)
var _ audio.Connection = (*Connection)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithSTUNServers sets the STUN server URLs used during ICE negotiation.
// Defaults to ["stun:stun.l.google.com:19302"].
func WithSTUNServers(servers ...string) Option {
	return func(p *Platform) {
		p.stunServers = servers
	}
}

// Platform implements [audio.Platform] for WebRTC voice rooms. Each call to
// [Platform.Connect] returns a new [Connection] that manages peers for the
// specified room. Multiple calls with the same roomID each produce an
// independent Connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	stunServers []string // STUN server URLs for ICE negotiation; immutable after New
}

// New creates a new room Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		stunServers: []string{"stun:stun.l.google.com:19302"},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect creates a new [Connection] for the room identified by roomID.
// The supplied ctx governs the connection-setup phase only; once the
// Connection is returned it lives until [Connection.Disconnect] is called
// explicitly.
func (p *Platform) Connect(_ context.Context, roomID string) (audio.Connection, error) {
	return newConnection(roomID, p.stunServers, opusCodecs), nil
}
