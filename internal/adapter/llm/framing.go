package llm

import (
	"bytes"
	"fmt"
)

// Wire dialects for streaming response bodies.
type dialect int

const (
	// dialectSSE: frames are newline-terminated lines; only lines carrying
	// the literal "data: " prefix hold a frame body.
	dialectSSE dialect = iota
	// dialectNDJSON: frames are newline-terminated lines holding one JSON
	// document each; blank lines hold nothing.
	dialectNDJSON
)

// maxLineBytes bounds a single buffered line. A body that streams this much
// without a newline is not speaking either dialect.
const maxLineBytes = 1 << 20

var (
	ssePrefix  = []byte("data: ")
	sseDoneTag = []byte("[DONE]")
)

// frameDecoder turns raw transport chunks into complete protocol frames.
// Bytes are accumulated across Feed calls and split on '\n', so a frame
// split over any number of reads decodes identically to an unsplit one. An
// incomplete trailing segment is retained until more bytes close it;
// Finish discards whatever never closed, so a truncated final line is
// never emitted as a frame.
type frameDecoder struct {
	dialect dialect
	buf     []byte
}

func newFrameDecoder(d dialect) *frameDecoder {
	return &frameDecoder{dialect: d}
}

// Feed appends p and returns the bodies of all frames it completed, in
// order. Returned slices alias the decoder's buffer and are valid until
// the next Feed call, like bufio.Scanner tokens.
func (d *frameDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > maxLineBytes {
				return frames, fmt.Errorf("frame decoder: line exceeds %d bytes", maxLineBytes)
			}
			return frames, nil
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if body, ok := d.frame(line); ok {
			frames = append(frames, body)
		}
	}
}

// Finish drops any retained partial segment at end-of-stream.
func (d *frameDecoder) Finish() {
	d.buf = nil
}

// frame applies the dialect filter to one complete line. Lines that carry
// no frame body (comments, event names, blanks) report ok=false.
func (d *frameDecoder) frame(line []byte) ([]byte, bool) {
	// Tolerate CRLF framing.
	line = bytes.TrimSuffix(line, []byte{'\r'})

	switch d.dialect {
	case dialectNDJSON:
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			return nil, false
		}
		return line, true

	default: // dialectSSE
		if len(line) == 0 || line[0] == ':' {
			return nil, false
		}
		if !bytes.HasPrefix(line, ssePrefix) {
			return nil, false
		}
		return line[len(ssePrefix):], true
	}
}
