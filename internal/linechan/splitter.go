package linechan

import (
	"bytes"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// Splitter turns an arbitrary chunked byte stream into newline-terminated
// lines. The zero value is ready to use. A Splitter is not safe for
// concurrent use.
type Splitter struct {
	// buf holds the bytes of the current, unterminated line. It never
	// contains '\n'.
	buf []byte
	dec *encoding.Decoder
}

// Feed appends chunk to the pending line and calls emit once for every
// '\n' it contains, in order. The terminator is not part of the emitted
// line. Bytes after the last terminator stay buffered for the next call.
func (s *Splitter) Feed(chunk []byte, emit func(line string)) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.buf = append(s.buf, chunk...)
			return
		}
		line := chunk[:i]
		if len(s.buf) != 0 {
			s.buf = append(s.buf, line...)
			line = s.buf
		}
		text := s.decode(line)
		s.buf = s.buf[:0]
		chunk = chunk[i+1:]
		emit(text)
	}
}

// Pending reports the number of buffered bytes not yet terminated.
func (s *Splitter) Pending() int {
	return len(s.buf)
}

// decode converts raw line bytes to a string, replacing invalid UTF-8 with
// U+FFFD.
func (s *Splitter) decode(b []byte) string {
	if s.dec == nil {
		s.dec = unicode.UTF8.NewDecoder()
	}
	out, err := s.dec.Bytes(b)
	if err != nil {
		return string(bytes.ToValidUTF8(b, []byte("\uFFFD")))
	}
	return string(out)
}
