package media

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "slin"},
		{"slin16", "slin"},
		{"SLIN16-BE", "slin-be"},
		{"PCMU", "ulaw"},
		{"alaw", "alaw"},
	}
	for _, tt := range tests {
		c, err := ParseCodec(tt.in)
		if err != nil {
			t.Errorf("ParseCodec(%q): %v", tt.in, err)
			continue
		}
		if c.String() != tt.want {
			t.Errorf("ParseCodec(%q) = %s, want %s", tt.in, c, tt.want)
		}
	}
	if _, err := ParseCodec("opus"); err == nil {
		t.Error("expected error for opus")
	}
}

func TestSlinPassthrough(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	if out := CodecSlin.Decode(in); !bytes.Equal(out, in) {
		t.Errorf("Decode = %v", out)
	}
}

func TestSlinBESwap(t *testing.T) {
	out := CodecSlinBE.Decode([]byte{0x12, 0x34, 0xAB, 0xCD, 0xFF})
	if !bytes.Equal(out, []byte{0x34, 0x12, 0xCD, 0xAB}) {
		t.Errorf("Decode = %x", out)
	}
}

func TestG711Expands(t *testing.T) {
	// µ-law 0xFF and A-law 0xD5 both encode (near) silence.
	for _, tt := range []struct {
		codec Codec
		in    byte
	}{{CodecUlaw, 0xFF}, {CodecAlaw, 0xD5}} {
		payload := bytes.Repeat([]byte{tt.in}, 160)
		pcm := tt.codec.Decode(payload)
		if len(pcm) != 2*len(payload) {
			t.Fatalf("%s: len = %d, want %d", tt.codec, len(pcm), 2*len(payload))
		}
		for i := 0; i < len(pcm); i += 2 {
			s := int16(binary.LittleEndian.Uint16(pcm[i:]))
			if s > 16 || s < -16 {
				t.Fatalf("%s: sample %d = %d, want near zero", tt.codec, i/2, s)
			}
		}
	}
}
