package transport

import (
	"errors"
	"slices"
	"testing"
)

func TestParseHex(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []byte
		wantErr bool
	}{
		{"spaced pairs", "0A 0B ff", []byte{0x0A, 0x0B, 0xFF}, false},
		{"prefixed with commas", "0x0A,0x0B", []byte{0x0A, 0x0B}, false},
		{"run together", "aa55ff", []byte{0xAA, 0x55, 0xFF}, false},
		{"upper prefix", "0XFE", []byte{0xFE}, false},
		{"odd digit padded", "A 1", []byte{0x0A, 0x01}, false},
		{"colons and dashes", "01:02-03", []byte{0x01, 0x02, 0x03}, false},
		{"newlines", "01\r\n02", []byte{0x01, 0x02}, false},
		{"not hex", "ZZ", nil, true},
		{"empty", "  ", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHex(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPayload) {
					t.Errorf("ParseHex(%q) error = %v, want ErrInvalidPayload", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHex(%q) error = %v", tt.in, err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseHex(%q) = %X, want %X", tt.in, got, tt.want)
			}
		})
	}
}

func TestHexString(t *testing.T) {
	if got := HexString([]byte{0x0A, 0xFF, 0x10}); got != "0A FF 10" {
		t.Errorf("HexString() = %q, want %q", got, "0A FF 10")
	}
	if got := HexString(nil); got != "" {
		t.Errorf("HexString(nil) = %q, want empty", got)
	}
}

func TestCodecEncode(t *testing.T) {
	tests := []struct {
		name     string
		format   CommandFormat
		encoding string
		in       string
		want     []byte
	}{
		{"ascii utf8", CommandASCII, "", "PWR ON\r", []byte("PWR ON\r")},
		{"ascii latin1", CommandASCII, "latin1", "é", []byte{0xE9}},
		{"ascii windows-1252", CommandASCII, "windows-1252", "€", []byte{0x80}},
		{"utf-16le", CommandASCII, "utf-16le", "A", []byte{0x41, 0x00}},
		{"us-ascii", CommandASCII, "ascii", "abc", []byte("abc")},
		{"hex", CommandHex, "", "0x01 0x02", []byte{0x01, 0x02}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCodec(tt.format, tt.encoding)
			if err != nil {
				t.Fatalf("NewCodec() error = %v", err)
			}
			got, err := c.Encode(tt.in)
			if err != nil {
				t.Fatalf("Encode(%q) error = %v", tt.in, err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Encode(%q) = %X, want %X", tt.in, got, tt.want)
			}
		})
	}
}

func TestCodecDecode(t *testing.T) {
	latin, err := NewCodec(CommandASCII, "iso-8859-1")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	if got := latin.Decode([]byte{0x63, 0x61, 0x66, 0xE9}); got != "café" {
		t.Errorf("Decode() = %q, want café", got)
	}

	hexCodec, err := NewCodec(CommandHex, "")
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}
	if got := hexCodec.Decode([]byte{0x02, 0xAB}); got != "02 AB" {
		t.Errorf("Decode() = %q, want %q", got, "02 AB")
	}
}

func TestNewCodecUnknownEncoding(t *testing.T) {
	_, err := NewCodec(CommandASCII, "klingon-8")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewCodec() error = %v, want ErrInvalidConfig", err)
	}
}

func TestParseCommandFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CommandFormat
		wantErr bool
	}{
		{"", CommandASCII, false},
		{"ascii", CommandASCII, false},
		{"HEX", CommandHex, false},
		{"base64", CommandASCII, true},
	}
	for _, tt := range tests {
		got, err := ParseCommandFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCommandFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseCommandFormat(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
