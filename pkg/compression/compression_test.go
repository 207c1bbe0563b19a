package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

var histogramText = []byte(strings.Repeat("1: 6\n2: 0\n3: 2\n", 64))

func TestCompressRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd} {
		for _, level := range []Level{LevelFastest, LevelDefault, LevelBest} {
			compressed, err := Compress(histogramText, typ, level)
			if err != nil {
				t.Fatalf("%s/%d: Compress failed: %v", typ, level, err)
			}

			if got := DetectType(compressed); got != typ {
				t.Errorf("%s/%d: DetectType = %s", typ, level, got)
			}

			plain, err := AutoDecompress(compressed)
			if err != nil {
				t.Fatalf("%s/%d: AutoDecompress failed: %v", typ, level, err)
			}
			if !bytes.Equal(histogramText, plain) {
				t.Errorf("%s/%d: decompressed data doesn't match original", typ, level)
			}
		}
	}
}

func TestCompressShrinksRepetitiveOutput(t *testing.T) {
	for _, typ := range []Type{TypeGzip, TypeZstd} {
		compressed, err := Compress(histogramText, typ, LevelDefault)
		if err != nil {
			t.Fatalf("%s: Compress failed: %v", typ, err)
		}
		if len(compressed) >= len(histogramText) {
			t.Errorf("%s: expected compression, got %d >= %d bytes", typ, len(compressed), len(histogramText))
		}
	}
}

func TestStreaming(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, TypeZstd, LevelDefault)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := w.Write(histogramText); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(&buf, TypeZstd)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(out) != 4*len(histogramText) {
		t.Errorf("expected %d bytes, got %d", 4*len(histogramText), len(out))
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		ext     string
		wantErr bool
	}{
		{"", TypeNone, "", false},
		{"none", TypeNone, "", false},
		{"gzip", TypeGzip, ".gz", false},
		{"GZ", TypeGzip, ".gz", false},
		{"zstd", TypeZstd, ".zst", false},
		{"lz4", TypeNone, "", true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.in, got, tt.want)
		}
		if got.Extension() != tt.ext {
			t.Errorf("%s.Extension() = %q, want %q", got, got.Extension(), tt.ext)
		}
	}
}

func TestDetectType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Type
	}{
		{"Zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}, TypeZstd},
		{"Gzip", []byte{0x1f, 0x8b, 0x08}, TypeGzip},
		{"PlainText", []byte("3\n0\n1\n"), TypeNone},
		{"Short", []byte{0x1f}, TypeNone},
		{"Empty", nil, TypeNone},
	}
	for _, tt := range tests {
		if got := DetectType(tt.data); got != tt.want {
			t.Errorf("%s: DetectType = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestUnknownType(t *testing.T) {
	if _, err := NewWriter(io.Discard, Type(42), LevelDefault); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := NewReader(bytes.NewReader(nil), Type(42)); err == nil {
		t.Error("expected error for unknown type")
	}
}
