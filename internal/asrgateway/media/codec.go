// Package media converts RTP payloads from the platform into the 16-bit
// little-endian PCM the speech service expects.
package media

import (
	"fmt"
	"strings"

	"github.com/zaf/g711"
)

// Codec is an immutable description of an inbound payload encoding.
type Codec struct {
	Name   string // canonical name, e.g. "ulaw"
	decode func([]byte) []byte
}

// Pre-defined codecs matching the platform's externalMedia formats.
var (
	// CodecSlin is signed linear PCM passed through untouched.
	CodecSlin = Codec{"slin", nil}

	// CodecSlinBE is network-order signed linear PCM, swapped to little-endian.
	CodecSlinBE = Codec{"slin-be", swap16}

	// CodecUlaw is G.711 µ-law, expanded to PCM16.
	CodecUlaw = Codec{"ulaw", g711.DecodeUlaw}

	// CodecAlaw is G.711 A-law, expanded to PCM16.
	CodecAlaw = Codec{"alaw", g711.DecodeAlaw}
)

// ParseCodec maps a configured codec name (and common aliases) to a Codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "slin", "slin16", "slin8", "pcm":
		return CodecSlin, nil
	case "slin-be", "slin16-be":
		return CodecSlinBE, nil
	case "ulaw", "pcmu", "mulaw":
		return CodecUlaw, nil
	case "alaw", "pcma":
		return CodecAlaw, nil
	}
	return Codec{}, fmt.Errorf("codec not supported: %s", name)
}

// Decode returns the payload as PCM16. Passthrough codecs return the input
// slice itself.
func (c Codec) Decode(payload []byte) []byte {
	if c.decode == nil {
		return payload
	}
	return c.decode(payload)
}

// String returns the codec name.
func (c Codec) String() string {
	return c.Name
}

// swap16 reverses the byte order of each 16-bit sample. A trailing odd byte
// is dropped.
func swap16(in []byte) []byte {
	out := make([]byte, len(in)&^1)
	for i := 0; i+1 < len(in); i += 2 {
		out[i], out[i+1] = in[i+1], in[i]
	}
	return out
}
