package room

import (
	"context"
	"sync"
)

// PeerTransport abstracts the WebRTC peer connection for a single
// participant. Packets flowing through it are Opus-encoded; the Connection
// owns the codec work on either side.
//
// This decouples the room logic from any specific WebRTC stack and allows
// testing without a real peer. A pion-backed transport can be plugged in as a
// concrete implementation.
type PeerTransport interface {
	// AcceptOffer applies the remote peer's SDP offer and returns the local
	// SDP answer. Called once per peer during the join handshake; the peer
	// always initiates, so the transport is strictly the answering side.
	AcceptOffer(ctx context.Context, sdpOffer string) (sdpAnswer string, err error)

	// AddICECandidate adds a remote ICE candidate.
	AddICECandidate(candidate string) error

	// PacketInput returns the channel delivering encoded audio packets
	// received from this peer.
	PacketInput() <-chan []byte

	// SendPacket sends an encoded audio packet to this peer.
	SendPacket(packet []byte) error

	// Close tears down the peer connection and releases resources.
	Close() error
}

// mockTransport is a [PeerTransport] used for testing and as the default
// transport until a real WebRTC stack is plugged in. It exposes channels that
// tests can write to (simulate peer packets) and read from (verify sent
// packets).
type mockTransport struct {
	packetsIn  chan []byte
	packetsOut chan []byte
	closed     chan struct{}

	mu        sync.Mutex
	lastOffer string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		packetsIn:  make(chan []byte, 16),
		packetsOut: make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

func (m *mockTransport) AcceptOffer(_ context.Context, sdpOffer string) (string, error) {
	m.mu.Lock()
	m.lastOffer = sdpOffer
	m.mu.Unlock()
	return "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=Tutor Audio\r\n", nil
}

// offer returns the SDP offer most recently passed to AcceptOffer.
func (m *mockTransport) offer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOffer
}

func (m *mockTransport) AddICECandidate(_ string) error {
	return nil
}

func (m *mockTransport) PacketInput() <-chan []byte {
	return m.packetsIn
}

func (m *mockTransport) SendPacket(packet []byte) error {
	select {
	case m.packetsOut <- packet:
	case <-m.closed:
	}
	return nil
}

func (m *mockTransport) Close() error {
	select {
	case <-m.closed:
		// already closed; no-op
	default:
		close(m.closed)
	}
	return nil
}
