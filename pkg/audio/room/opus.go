package room

import (
	"fmt"

	"layeh.com/gopus"
)

// All room audio is Opus at 48 kHz stereo in 20 ms frames, the format
// browser WebRTC stacks negotiate by default.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
	// opusFrameBytes is the byte length of one 20 ms interleaved PCM frame.
	opusFrameBytes = opusFrameSize * opusChannels * 2
)

// frameDecoder turns wire packets from a peer into interleaved PCM bytes.
type frameDecoder interface {
	decode(packet []byte) ([]byte, error)
}

// frameEncoder turns interleaved PCM bytes into wire packets. Input may
// arrive in arbitrary-sized chunks; an encoder that requires a fixed frame
// size buffers internally and returns zero or more packets per call.
type frameEncoder interface {
	encode(pcm []byte) ([][]byte, error)
}

// pcmChunker accumulates PCM bytes and yields exact frameBytes-sized chunks.
// The Opus encoder rejects anything but whole 20 ms frames, while upstream
// producers (TTS streaming in particular) deliver chunks of whatever size the
// provider happened to flush.
type pcmChunker struct {
	frameBytes int
	buf        []byte
}

// push appends pcm to the pending buffer and returns every complete frame
// now available. Leftover bytes stay buffered for the next call. The returned
// slices alias an internal buffer that is reused across calls; consume them
// before the next push.
func (k *pcmChunker) push(pcm []byte) [][]byte {
	k.buf = append(k.buf, pcm...)
	var frames [][]byte
	for len(k.buf) >= k.frameBytes {
		frames = append(frames, k.buf[:k.frameBytes])
		k.buf = k.buf[k.frameBytes:]
	}
	return frames
}

// opusDecoder turns a learner's Opus packets back into PCM. Opus decoding is
// stateful (packet loss concealment, prediction), so every participant
// stream gets its own decoder rather than sharing one per room.
type opusDecoder struct {
	dec *gopus.Decoder
}

// newOpusDecoder creates an Opus decoder in room format.
func newOpusDecoder() (frameDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("room: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode expands one Opus packet to interleaved little-endian int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("room: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// opusEncoder wraps a gopus Opus encoder for the tutor output stream. It
// buffers incoming PCM and only feeds gopus exact 20 ms frames; gopus does
// not validate the sample count itself, so a short or oversized slice would
// otherwise be read out of bounds or silently truncated.
type opusEncoder struct {
	enc     *gopus.Encoder
	chunker pcmChunker
}

// newOpusEncoder creates an Opus encoder in room format, tuned for the
// gopus Audio application (the tutor's speech is music-adjacent TTS output,
// not narrow-band telephony).
func newOpusEncoder() (frameEncoder, error) {
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("room: create opus encoder: %w", err)
	}
	return &opusEncoder{enc: enc, chunker: pcmChunker{frameBytes: opusFrameBytes}}, nil
}

// encode buffers interleaved PCM int16 data (as bytes, little-endian) and
// returns one Opus packet per complete 20 ms frame now available.
func (e *opusEncoder) encode(pcm []byte) ([][]byte, error) {
	frames := e.chunker.push(pcm)
	if len(frames) == 0 {
		return nil, nil
	}
	packets := make([][]byte, 0, len(frames))
	for _, frame := range frames {
		samples := bytesToInt16s(frame)
		packet, err := e.enc.Encode(samples, opusFrameSize, opusFrameBytes)
		if err != nil {
			return nil, fmt.Errorf("room: opus encode: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// int16sToBytes flattens int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s reassembles little-endian bytes into int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
