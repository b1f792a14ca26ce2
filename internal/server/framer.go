package server

import (
	"bytes"
	"encoding/binary"
	"net/http"
	"strconv"
	"strings"
)

// Mode is the response shape, chosen once at request entry from the
// {json, stream} flags and the configured framing policy.
type Mode int

const (
	// ModeJSON returns the transcript as JSON; synthesis never runs.
	ModeJSON Mode = iota
	// ModeBuffered assembles the full validated audio buffer, then
	// responds with a known Content-Length and the transcript in a
	// header.
	ModeBuffered
	// ModeTrailer streams chunked audio and delivers the transcript as
	// an HTTP trailer after the final chunk.
	ModeTrailer
	// ModeFramed streams length-prefixed segments with no transcript
	// on the channel, for transcripts unsafe to place in header
	// fields.
	ModeFramed
)

func (m Mode) String() string {
	switch m {
	case ModeJSON:
		return "json"
	case ModeBuffered:
		return "buffered"
	case ModeTrailer:
		return "trailer"
	case ModeFramed:
		return "framed"
	default:
		return "unknown"
	}
}

// framer owns the ResponseWriter for one audio response. It enforces
// the commit invariant: headers go out at most once, and never before
// the first validated frame (streaming) or the complete validated
// buffer (buffered).
type framer struct {
	w                http.ResponseWriter
	mode             Mode
	contentType      string
	transcriptHeader string

	committed bool
	buf       bytes.Buffer
}

func newFramer(w http.ResponseWriter, mode Mode, contentType, transcriptHeader string) *framer {
	return &framer{
		w:                w,
		mode:             mode,
		contentType:      contentType,
		transcriptHeader: transcriptHeader,
	}
}

// Committed reports whether response headers have been sent. Errors
// found before commit become JSON bodies; errors after can only
// terminate the stream.
func (f *framer) Committed() bool { return f.committed }

func (f *framer) commit() {
	h := f.w.Header()
	h.Set("Cache-Control", "no-cache")
	switch f.mode {
	case ModeTrailer:
		h.Set("Content-Type", f.contentType)
		h.Set("Trailer", f.transcriptHeader)
	case ModeFramed:
		h.Set("Content-Type", "application/octet-stream")
		h.Set("X-Stream-Framing", "len32")
	}
	f.w.WriteHeader(http.StatusOK)
	f.committed = true
}

// Emit handles one validated audio chunk. Buffered mode accumulates;
// the streaming modes commit on the first chunk and write through.
func (f *framer) Emit(chunk []byte) error {
	switch f.mode {
	case ModeBuffered:
		f.buf.Write(chunk)
		return nil
	case ModeTrailer:
		if !f.committed {
			f.commit()
		}
		if _, err := f.w.Write(chunk); err != nil {
			return err
		}
	case ModeFramed:
		if !f.committed {
			f.commit()
		}
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(chunk)))
		if _, err := f.w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := f.w.Write(chunk); err != nil {
			return err
		}
	}
	f.flush()
	return nil
}

// Finish completes a successful response: buffered mode sends the
// whole payload now, trailer mode attaches the transcript, framed
// mode writes the zero-length terminator segment.
func (f *framer) Finish(transcript string) error {
	switch f.mode {
	case ModeBuffered:
		h := f.w.Header()
		h.Set("Content-Type", f.contentType)
		h.Set("Content-Length", strconv.Itoa(f.buf.Len()))
		h.Set(f.transcriptHeader, sanitizeHeaderValue(transcript))
		h.Set("Cache-Control", "no-cache")
		f.w.WriteHeader(http.StatusOK)
		f.committed = true
		_, err := f.w.Write(f.buf.Bytes())
		return err
	case ModeTrailer:
		if !f.committed {
			f.commit()
		}
		// Headers set after the body, with the name declared in
		// Trailer before commit, go out as HTTP trailers.
		f.w.Header().Set(f.transcriptHeader, sanitizeHeaderValue(transcript))
		return nil
	case ModeFramed:
		if !f.committed {
			f.commit()
		}
		var hdr [4]byte
		if _, err := f.w.Write(hdr[:]); err != nil {
			return err
		}
		f.flush()
		return nil
	}
	return nil
}

func (f *framer) flush() {
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
}

// sanitizeHeaderValue replaces bytes that would corrupt a header or
// trailer field (CR, LF, other control characters) with spaces.
func sanitizeHeaderValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return ' '
		}
		return r
	}, s)
}
