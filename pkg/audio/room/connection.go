package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Snehasis4321/language-learning-backend/pkg/audio"
)

const outputChannelBuffer = 64

// OutputWriter wraps a write-only audio channel with lifecycle awareness.
// It safely drops frames written after the connection has been disconnected,
// preventing panics from sends on closed channels.
type OutputWriter struct {
	ch           chan<- audio.AudioFrame
	disconnected atomic.Bool
}

// Send writes a frame to the output. Returns false if the connection is
// disconnected or the channel is full (frame was dropped).
func (w *OutputWriter) Send(frame audio.AudioFrame) bool {
	if w.disconnected.Load() {
		return false
	}
	select {
	case w.ch <- frame:
		return true
	default:
		// Channel full — drop frame rather than block.
		return false
	}
}

// Close marks the writer as closed. Subsequent Send calls are no-ops.
// The underlying channel is NOT closed (it is owned by the platform).
func (w *OutputWriter) Close() {
	w.disconnected.Store(true)
}

// peer holds the runtime state for a single connected peer.
type peer struct {
	userID    string
	username  string
	metadata  string
	transport PeerTransport
	dec       frameDecoder
	inputCh   chan audio.AudioFrame
	done      chan struct{} // closed by RemovePeer/Disconnect to signal goroutines
}

// Connection manages the peers of a single voice room. It implements
// [audio.Connection].
//
// Connection is safe for concurrent use.
type Connection struct {
	roomID      string
	stunServers []string

	mu           sync.RWMutex
	peers        map[string]*peer
	inputStreams map[string]chan audio.AudioFrame
	outputCh     chan audio.AudioFrame
	outputWriter *OutputWriter
	onChange     func(audio.Event)
	disconnected bool

	ctx    context.Context
	cancel context.CancelFunc

	// Codec and transport factories; injectable for tests, default to Opus
	// and the stub transport.
	newTransport func(userID string) PeerTransport
	codecs       codecFactories
}

// codecFactories bundles the constructors for the wire codec. Production
// connections use Opus; tests inject a passthrough codec.
type codecFactories struct {
	newDecoder func() (frameDecoder, error)
	newEncoder func() (frameEncoder, error)
}

// opusCodecs is the production codec set.
var opusCodecs = codecFactories{
	newDecoder: newOpusDecoder,
	newEncoder: newOpusEncoder,
}

func newConnection(roomID string, stunServers []string, codecs codecFactories) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	outputCh := make(chan audio.AudioFrame, outputChannelBuffer)
	c := &Connection{
		roomID:       roomID,
		stunServers:  stunServers,
		peers:        make(map[string]*peer),
		inputStreams: make(map[string]chan audio.AudioFrame),
		outputCh:     outputCh,
		outputWriter: &OutputWriter{ch: outputCh},
		ctx:          ctx,
		cancel:       cancel,
		newTransport: func(_ string) PeerTransport {
			return newMockTransport()
		},
		codecs: codecs,
	}
	go c.forwardOutput()
	return c
}

// InputStreams returns a consistent snapshot of the per-participant audio
// channels. The map key is the participant ID; the value is the read-only
// input channel.
//
// Callers should call InputStreams again after receiving an
// [audio.EventJoin] event to pick up newly added channels.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputStreams))
	for id, ch := range c.inputStreams {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the write-only channel for tutor audio output.
// Frames written here are encoded and forwarded to all currently connected
// peers.
func (c *Connection) OutputStream() chan<- audio.AudioFrame {
	return c.outputCh
}

// OutputWriter returns an OutputWriter that provides safe, lifecycle-aware
// writes to the output stream. Prefer this over OutputStream() for new code.
// After Disconnect, calls to OutputWriter().Send() safely drop frames instead
// of risking a send on an abandoned channel.
func (c *Connection) OutputWriter() *OutputWriter {
	return c.outputWriter
}

// OnParticipantChange registers cb as the participant lifecycle callback.
// Subsequent calls replace the previous registration. The callback is invoked
// on an internal goroutine — callers must not block.
//
// Peers already connected at registration time are replayed to cb as join
// events, so a subscriber attaching after the first peer completes its
// handshake still observes the full roster.
func (c *Connection) OnParticipantChange(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = cb
	for _, p := range c.peers {
		ev := audio.Event{Type: audio.EventJoin, UserID: p.userID, Username: p.username, Metadata: p.metadata}
		go cb(ev)
	}
}

// Disconnect cleanly tears down all peer connections and stops internal
// goroutines. It is safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil
	}
	c.disconnected = true

	// Mark the output writer as disconnected so late writes drop safely.
	c.outputWriter.Close()

	// Stop forwardOutput and all readPeerInput goroutines.
	c.cancel()

	for userID, p := range c.peers {
		close(p.done)
		_ = p.transport.Close()
		delete(c.peers, userID)
		delete(c.inputStreams, userID)
	}
	return nil
}

// AddPeer registers a new peer for this room. The signaling handler calls
// this after the WebRTC handshake completes. metadata is the raw metadata
// string the participant supplied on join (may be empty); it is carried on
// the join event so the session layer can read the learner's difficulty and
// topic.
//
// Returns the read-only input channel for audio arriving from this peer, or
// an error if the connection is disconnected or the peer already exists.
func (c *Connection) AddPeer(userID, username, metadata string) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return nil, fmt.Errorf("room: connection %q is disconnected", c.roomID)
	}
	if _, exists := c.peers[userID]; exists {
		return nil, fmt.Errorf("room: peer %q is already connected in room %q", userID, c.roomID)
	}

	dec, err := c.codecs.newDecoder()
	if err != nil {
		return nil, fmt.Errorf("room: decoder for peer %q: %w", userID, err)
	}

	transport := c.newTransport(userID)
	inputCh := make(chan audio.AudioFrame, 64)
	p := &peer{
		userID:    userID,
		username:  username,
		metadata:  metadata,
		transport: transport,
		dec:       dec,
		inputCh:   inputCh,
		done:      make(chan struct{}),
	}
	c.peers[userID] = p
	c.inputStreams[userID] = inputCh

	go c.readPeerInput(p)

	if cb := c.onChange; cb != nil {
		go cb(audio.Event{Type: audio.EventJoin, UserID: userID, Username: username, Metadata: metadata})
	}
	return inputCh, nil
}

// RemovePeer disconnects and removes the peer identified by userID.
func (c *Connection) RemovePeer(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return fmt.Errorf("room: connection %q is disconnected", c.roomID)
	}
	p, exists := c.peers[userID]
	if !exists {
		return fmt.Errorf("room: peer %q not found in room %q", userID, c.roomID)
	}

	// Signal the readPeerInput goroutine to stop (it closes inputCh via defer).
	close(p.done)
	_ = p.transport.Close()
	delete(c.peers, userID)
	delete(c.inputStreams, userID)

	if cb := c.onChange; cb != nil {
		username := p.username
		go cb(audio.Event{Type: audio.EventLeave, UserID: userID, Username: username})
	}
	return nil
}

// readPeerInput reads encoded packets from the peer's transport, decodes them
// to PCM, and forwards AudioFrames to the peer's inputCh until the peer is
// removed or the connection is closed. It closes inputCh on exit to signal
// any downstream consumer.
func (c *Connection) readPeerInput(p *peer) {
	defer close(p.inputCh)
	packets := p.transport.PacketInput()
	for {
		select {
		case <-p.done:
			return
		case <-c.ctx.Done():
			return
		case packet, ok := <-packets:
			if !ok {
				return
			}
			pcm, err := p.dec.decode(packet)
			if err != nil {
				slog.Debug("room: dropping undecodable packet", "peer", p.userID, "error", err)
				continue
			}
			frame := audio.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
			}
			select {
			case p.inputCh <- frame:
			case <-p.done:
				return
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// forwardOutput reads tutor audio frames from the output channel, encodes
// them once, and sends the resulting packets to all currently connected peers
// via their transports. Frames may arrive in any format and chunk size; they
// are converted to room format here and re-framed by the encoder, so a single
// input frame can yield zero packets (buffered) or several.
func (c *Connection) forwardOutput() {
	enc, err := c.codecs.newEncoder()
	if err != nil {
		slog.Error("room: output encoder unavailable, tutor audio disabled", "room", c.roomID, "error", err)
		return
	}
	conv := audio.FormatConverter{
		Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels},
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.outputCh:
			if !ok {
				return
			}
			frame = conv.Convert(frame)
			packets, err := enc.encode(frame.Data)
			if err != nil {
				slog.Debug("room: dropping unencodable frame", "room", c.roomID, "error", err)
				continue
			}
			if len(packets) == 0 {
				continue
			}

			// Snapshot peers under read lock to minimise contention.
			c.mu.RLock()
			peers := make([]*peer, 0, len(c.peers))
			for _, p := range c.peers {
				peers = append(peers, p)
			}
			c.mu.RUnlock()

			for _, packet := range packets {
				for _, p := range peers {
					_ = p.transport.SendPacket(packet)
				}
			}
		}
	}
}
