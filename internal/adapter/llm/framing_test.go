package llm

import (
	"reflect"
	"strings"
	"testing"
)

// feedAll runs a whole body through a fresh decoder in chunks of the given
// size (0 = one single feed) and returns the frame bodies as strings.
func feedAll(t *testing.T, d dialect, raw string, chunkSize int) []string {
	t.Helper()
	dec := newFrameDecoder(d)

	var out []string
	feed := func(p []byte) {
		frames, err := dec.Feed(p)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		for _, f := range frames {
			out = append(out, string(f))
		}
	}

	if chunkSize <= 0 {
		feed([]byte(raw))
	} else {
		for i := 0; i < len(raw); i += chunkSize {
			end := i + chunkSize
			if end > len(raw) {
				end = len(raw)
			}
			feed([]byte(raw[i:end]))
		}
	}
	dec.Finish()
	return out
}

func TestFrameDecoderSSE(t *testing.T) {
	raw := "data: {\"a\":1}\n" +
		": keep-alive comment\n" +
		"event: message\n" +
		"\n" +
		"data: {\"b\":2}\n" +
		"data: [DONE]\n"

	got := feedAll(t, dialectSSE, raw, 0)
	want := []string{`{"a":1}`, `{"b":2}`, `[DONE]`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("frames = %v, want %v", got, want)
	}
}

func TestFrameDecoderNDJSON(t *testing.T) {
	raw := "{\"a\":1}\n" +
		"\n" +
		"  {\"b\":2}  \n" +
		"{\"done\":true}\n"

	got := feedAll(t, dialectNDJSON, raw, 0)
	want := []string{`{"a":1}`, `{"b":2}`, `{"done":true}`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("frames = %v, want %v", got, want)
	}
}

// A frame split across any number of reads must decode identically to an
// unsplit one.
func TestFrameDecoderSplitEquivalence(t *testing.T) {
	sse := "data: {\"text\":\"hello\"}\n\ndata: {\"text\":\"world, this frame is longer than any chunk\"}\n: comment\ndata: [DONE]\n"
	ndjson := "{\"text\":\"hello\"}\n{\"text\":\"world\"}\n\n{\"done\":true}\n"

	for _, tc := range []struct {
		name string
		d    dialect
		raw  string
	}{
		{"sse", dialectSSE, sse},
		{"ndjson", dialectNDJSON, ndjson},
	} {
		t.Run(tc.name, func(t *testing.T) {
			want := feedAll(t, tc.d, tc.raw, 0)
			for size := 1; size <= len(tc.raw); size++ {
				got := feedAll(t, tc.d, tc.raw, size)
				if !reflect.DeepEqual(got, want) {
					t.Fatalf("chunk size %d: frames = %v, want %v", size, got, want)
				}
			}
		})
	}
}

// A body cut off mid-line must never emit the partial line as a frame.
func TestFrameDecoderTruncatedTailDropped(t *testing.T) {
	dec := newFrameDecoder(dialectSSE)

	frames, err := dec.Feed([]byte("data: {\"a\":1}\ndata: {\"b\":"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != `{"a":1}` {
		t.Fatalf("frames = %q, want only the terminated line", frames)
	}

	dec.Finish()
	frames, err = dec.Feed([]byte("2}\n"))
	if err != nil {
		t.Fatalf("Feed after Finish: %v", err)
	}
	// The retained partial was discarded, so the continuation bytes form a
	// line of their own, which carries no data prefix.
	if len(frames) != 0 {
		t.Errorf("frames after Finish = %q, want none", frames)
	}
}

func TestFrameDecoderCRLF(t *testing.T) {
	raw := "data: {\"a\":1}\r\ndata: [DONE]\r\n"
	got := feedAll(t, dialectSSE, raw, 0)
	want := []string{`{"a":1}`, `[DONE]`}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("frames = %v, want %v", got, want)
	}
}

func TestFrameDecoderLineTooLong(t *testing.T) {
	dec := newFrameDecoder(dialectSSE)
	_, err := dec.Feed([]byte("data: " + strings.Repeat("x", maxLineBytes+1)))
	if err == nil {
		t.Fatal("expected error for unterminated oversized line")
	}
}
