// Package stream converts a token-by-token generation stream into
// discrete, completely-formed message segments. A Segmenter accumulates
// text deltas, detects the paragraph boundary sequence and emits each
// completed segment exactly once through a callback.
package stream

import "strings"

// Boundary is the two-character sequence separating segments.
const Boundary = "\n\n"

// Segmenter buffers an incremental delta stream and emits paragraph-sized
// segments. One Segmenter exists per in-flight turn; instances share no
// state and are not safe for concurrent use.
type Segmenter struct {
	buf       strings.Builder
	onSegment func(segment string) error
	onError   func(err error)
}

// New creates a Segmenter. onSegment is invoked once per completed
// segment, in order. A failing emission is reported through onError and
// does not block later segments; onError may be nil.
func New(onSegment func(string) error, onError func(error)) *Segmenter {
	return &Segmenter{
		onSegment: onSegment,
		onError:   onError,
	}
}

// Append adds a text delta to the buffer and emits every segment that is
// now complete.
func (s *Segmenter) Append(delta string) {
	s.buf.WriteString(delta)
	s.process()
}

// process repeatedly extracts the text before each boundary and emits it
// if non-empty after trimming.
func (s *Segmenter) process() {
	for {
		content := s.buf.String()
		idx := strings.Index(content, Boundary)
		if idx == -1 {
			return
		}

		segment := strings.TrimSpace(content[:idx])
		if len(segment) > 0 {
			s.emit(segment)
		}

		s.buf.Reset()
		s.buf.WriteString(content[idx+len(Boundary):])
	}
}

// Flush emits the trimmed remainder of the buffer, if any, and clears the
// buffer. Must be called exactly once at turn end.
func (s *Segmenter) Flush() {
	remaining := strings.TrimSpace(s.buf.String())
	if len(remaining) > 0 {
		s.emit(remaining)
	}
	s.buf.Reset()
}

// Buffer returns the current unemitted buffer content.
func (s *Segmenter) Buffer() string {
	return s.buf.String()
}

// Reset discards any buffered content without emitting it.
func (s *Segmenter) Reset() {
	s.buf.Reset()
}

func (s *Segmenter) emit(segment string) {
	if err := s.onSegment(segment); err != nil {
		if s.onError != nil {
			s.onError(err)
		}
	}
}
