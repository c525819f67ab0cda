package cmakeserver

import (
	"bytes"
)

// Framer splits a byte stream into message bodies delimited by StartMagic and EndMagic
// lines. Input may be fed in chunks of any size; a body is only emitted once its closing
// delimiter has been seen. The zero value is ready to use.
type Framer struct {
	raw       []byte
	body      []byte
	inMessage bool
}

// Feed appends chunk to the pending input and calls emit for every body completed by it,
// in order. The body is every line seen since the last delimiter, each terminated by a
// newline. opened is false when an end delimiter arrived without a start delimiter; the
// body is emitted anyway and may be empty.
func (f *Framer) Feed(chunk []byte, emit func(body string, opened bool)) {
	f.raw = append(f.raw, chunk...)
	for {
		idx := bytes.IndexByte(f.raw, '\n')
		if idx < 0 {
			break
		}
		line := f.raw[:idx]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}

		switch string(line) {
		case StartMagic:
			f.body = f.body[:0]
			f.inMessage = true
		case EndMagic:
			body, opened := string(f.body), f.inMessage
			f.body = f.body[:0]
			f.inMessage = false
			emit(body, opened)
		default:
			f.body = append(f.body, line...)
			f.body = append(f.body, '\n')
		}

		f.raw = f.raw[idx+1:]
	}
	if len(f.raw) == 0 {
		f.raw = nil
	}
}

// InMessage reports whether a start delimiter has been seen without its end delimiter.
func (f *Framer) InMessage() bool { return f.inMessage }

// Reset drops all buffered input.
func (f *Framer) Reset() {
	f.raw = nil
	f.body = nil
	f.inMessage = false
}

// Frame wraps payload in the wire delimiters.
func Frame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+len(StartMagic)+len(EndMagic)+4)
	buf = append(buf, '\n')
	buf = append(buf, StartMagic...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	buf = append(buf, EndMagic...)
	buf = append(buf, '\n')
	return buf
}
