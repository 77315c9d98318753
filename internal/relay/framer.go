// Package relay bridges an incremental text producer (the response
// generator) to an incremental audio consumer (the telephony media channel)
// through a streaming speech-synthesis transport. Text goes out token by
// token; synthesized audio comes back in arbitrary chunk sizes and is
// re-framed to the fixed size the media channel expects.
package relay

// FrameSize is the number of audio bytes per media frame: 20ms of G.711 at
// 8 kHz, 1 byte per sample. The telephony media channel consumes frames of
// exactly this size; only the final frame of a stream may be shorter.
const FrameSize = 160

// framer accumulates synthesized audio bytes and slices them into
// fixed-size frames, preserving byte order end-to-end. It is used from the
// relay's single receive goroutine and needs no locking.
type framer struct {
	buf []byte
}

// push appends audio bytes and returns every complete frame now available,
// in order. Leftover bytes smaller than one frame stay buffered.
func (f *framer) push(audio []byte) [][]byte {
	f.buf = append(f.buf, audio...)

	var frames [][]byte
	for len(f.buf) >= FrameSize {
		frame := make([]byte, FrameSize)
		copy(frame, f.buf[:FrameSize])
		f.buf = f.buf[FrameSize:]
		frames = append(frames, frame)
	}
	return frames
}

// remainder drains any buffered partial frame. Called at end of stream so
// the tail of the audio is delivered rather than discarded.
func (f *framer) remainder() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	rest := f.buf
	f.buf = nil
	return rest
}
