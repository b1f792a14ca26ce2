// Package audio holds pure audio-format helpers: output validation by
// magic-byte sniffing, and PCM-to-WAV container wrapping.
package audio

import "bytes"

// Format identifies a synthesis output encoding.
type Format string

const (
	FormatMP3 Format = "mp3"
	FormatWAV Format = "wav"
)

// ContentType reports the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}

// Classification is a sniff verdict on the leading bytes of a
// synthesis stream.
type Classification struct {
	Valid  bool
	Reason string
}

var (
	id3Magic  = []byte("ID3")
	riffMagic = []byte("RIFF")
)

// Classify inspects prefix, the first bytes a synthesis worker
// produced, and decides whether they plausibly start a stream of the
// expected format. Workers that fail at runtime often emit diagnostic
// text on stdout instead of audio; sniffing before the first byte is
// forwarded keeps that text from reaching a client that was promised
// audio.
//
// MP3 accepts an ID3v2 tag or an MPEG frame sync (0xFF with the top
// three bits of the next byte set). WAV accepts a RIFF chunk header.
func Classify(format Format, prefix []byte) Classification {
	if len(prefix) == 0 {
		return Classification{Reason: "empty output"}
	}
	switch format {
	case FormatWAV:
		if bytes.HasPrefix(prefix, riffMagic) {
			return Classification{Valid: true}
		}
		return Classification{Reason: "missing RIFF header"}
	case FormatMP3:
		if bytes.HasPrefix(prefix, id3Magic) {
			return Classification{Valid: true}
		}
		if len(prefix) >= 2 && prefix[0] == 0xFF && prefix[1]&0xE0 == 0xE0 {
			return Classification{Valid: true}
		}
		return Classification{Reason: "no ID3 tag or MPEG frame sync"}
	default:
		return Classification{Reason: "unknown format " + string(format)}
	}
}
