package transport

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
)

// CommandFormat selects how command strings are turned into wire bytes.
type CommandFormat int

const (
	// CommandASCII sends the string as text in the configured encoding.
	CommandASCII CommandFormat = iota

	// CommandHex parses the string as hex byte pairs ("0A 0B", "0x0A,0x0B", "0a0b").
	CommandHex
)

// String returns the config name of the format.
func (f CommandFormat) String() string {
	if f == CommandHex {
		return "hex"
	}
	return "ascii"
}

// ParseCommandFormat converts a config value to a CommandFormat.
func ParseCommandFormat(s string) (CommandFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ascii", "text":
		return CommandASCII, nil
	case "hex":
		return CommandHex, nil
	default:
		return CommandASCII, fmt.Errorf("%w: unknown command format %q", ErrInvalidConfig, s)
	}
}

// Codec converts between command strings and wire bytes.
type Codec struct {
	format   CommandFormat
	name     string
	encoding encoding.Encoding
}

// NewCodec builds a codec for a command format and text encoding.
//
// Parameters:
//   - format: ascii or hex
//   - encodingName: IANA or common name ("utf-8", "ascii", "latin1", "windows-1252",
//     "utf-16le"); empty selects UTF-8
//
// Returns:
//   - *Codec: Ready codec
//   - error: ErrInvalidConfig if the encoding is unknown
func NewCodec(format CommandFormat, encodingName string) (*Codec, error) {
	enc, name, err := lookupEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &Codec{format: format, name: name, encoding: enc}, nil
}

// DefaultCodec returns an ascii/UTF-8 codec.
func DefaultCodec() *Codec {
	return &Codec{format: CommandASCII, name: "utf-8", encoding: unicode.UTF8}
}

// Format returns the command format.
func (c *Codec) Format() CommandFormat {
	return c.format
}

// EncodingName returns the canonical name of the text encoding.
func (c *Codec) EncodingName() string {
	return c.name
}

// Encode converts a command string to wire bytes.
// Characters the encoding cannot represent are replaced rather than rejected.
func (c *Codec) Encode(cmd string) ([]byte, error) {
	if c.format == CommandHex {
		return ParseHex(cmd)
	}
	out, err := encoding.ReplaceUnsupported(c.encoding.NewEncoder()).Bytes([]byte(cmd))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return out, nil
}

// Decode renders received bytes as a string: text in the configured encoding,
// or uppercase space-separated hex pairs for the hex format.
func (c *Codec) Decode(data []byte) string {
	if c.format == CommandHex {
		return HexString(data)
	}
	out, err := c.encoding.NewDecoder().Bytes(data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// ParseHex parses a hex command string. Bytes may be separated by spaces,
// commas, colons or dashes and may carry a 0x prefix. A token with an odd
// number of digits is left-padded ("A" is 0x0A).
func ParseHex(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ' ', '\t', '\r', '\n', ',', ':', '-':
			return true
		}
		return false
	})

	out := make([]byte, 0, len(s)/2)
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if f == "" {
			continue
		}
		if len(f)%2 != 0 {
			f = "0" + f
		}
		b, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex %q", ErrInvalidPayload, f)
		}
		out = append(out, b...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty hex command", ErrInvalidPayload)
	}
	return out, nil
}

// HexString formats bytes as uppercase space-separated pairs ("0A FF 10").
func HexString(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(data) * 3)
	for i, b := range data {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", b)
	}
	return sb.String()
}

func lookupEncoding(name string) (encoding.Encoding, string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, "utf-8", nil
	case "latin1", "latin-1", "iso-8859-1":
		return charmap.ISO8859_1, "iso-8859-1", nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, "windows-1252", nil
	case "utf-16le", "utf16le", "unicode":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), "utf-16le", nil
	case "utf-16be", "utf16be":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), "utf-16be", nil
	case "ascii", "us-ascii":
		name = "US-ASCII"
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, "", fmt.Errorf("%w: unknown encoding %q", ErrInvalidConfig, name)
	}
	if enc == nil {
		// Known to IANA but not implemented by x/text. ASCII lands here on
		// older releases; Latin-1 is a superset of it.
		if strings.EqualFold(name, "US-ASCII") {
			return charmap.ISO8859_1, "us-ascii", nil
		}
		return nil, "", fmt.Errorf("%w: unsupported encoding %q", ErrInvalidConfig, name)
	}
	canonical, err := ianaindex.IANA.Name(enc)
	if err != nil {
		canonical = strings.ToLower(name)
	}
	return enc, strings.ToLower(canonical), nil
}
