package media

import "testing"

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
		ok   bool
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0, 0}, FormatJPEG, true},
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 13}, FormatPNG, true},
		{"webp", []byte("RIFF\x24\x00\x00\x00WEBPVP8 "), FormatWebP, true},
		{"riff but not webp", []byte("RIFF\x24\x00\x00\x00WAVEfmt "), "", false},
		{"gif", []byte("GIF89a\x00\x00\x00\x00\x00\x00"), "", false},
		{"garbage", []byte("not an image at all"), "", false},
		{"empty", nil, "", false},
		{"truncated riff", []byte("RIFF\x24\x00"), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectFormat(tt.data)
			if ok != tt.ok || got != tt.want {
				t.Errorf("DetectFormat() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestFormatExt(t *testing.T) {
	if got := FormatJPEG.Ext(); got != ".jpg" {
		t.Errorf("jpeg ext: got %q", got)
	}
	if got := FormatPNG.Ext(); got != ".png" {
		t.Errorf("png ext: got %q", got)
	}
	if got := FormatWebP.Ext(); got != ".webp" {
		t.Errorf("webp ext: got %q", got)
	}
}
