// Package audio validates uploaded audio payloads before they are dispatched.
// Decoding is left to the transcription engine; only metadata is inspected here.
package audio

import (
	"bytes"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-audio/wav"

	"whisper-gateway/internal/apperr"
)

// SupportedFormats lists all supported audio format tags.
var SupportedFormats = []string{
	"wav", "mp3", "flac", "ogg", "opus", "m4a", "aac", "wma", "webm",
}

// containers maps a format tag to the container it is sniffed as.
var containers = map[string]string{
	"opus": "ogg",
	"m4a":  "mp4",
	"aac":  "m4a",
}

// mimeAliases covers MIME types that mimetype.Lookup does not know by these names.
var mimeAliases = map[string]string{
	"audio/x-wav":     "wav",
	"audio/wave":      "wav",
	"audio/vnd.wave":  "wav",
	"audio/mp3":       "mp3",
	"audio/mpeg3":     "mp3",
	"audio/x-flac":    "flac",
	"audio/opus":      "opus",
	"audio/mp4":       "m4a",
	"audio/x-ms-wma":  "wma",
	"audio/webm":      "webm",
	"audio/x-aac":     "aac",
	"audio/ogg":       "ogg",
	"audio/vorbis":    "ogg",
	"application/ogg": "ogg",
}

// Normalized is a validated payload with the metadata that could be read
// without decoding it.
type Normalized struct {
	Data       []byte
	Format     string
	MIME       string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Size returns the payload size in bytes.
func (n *Normalized) Size() int { return len(n.Data) }

// Validator checks payloads against a maximum size.
type Validator struct {
	maxBytes int64
}

// NewValidator creates a validator; maxBytes <= 0 disables the size check.
func NewValidator(maxBytes int64) *Validator {
	return &Validator{maxBytes: maxBytes}
}

// MaxBytes returns the configured size limit.
func (v *Validator) MaxBytes() int64 { return v.maxBytes }

// Validate checks payload and resolves its format. declaredFormat may be a
// bare tag, an extension, a filename or a MIME type, and may be empty.
func (v *Validator) Validate(payload []byte, declaredFormat string) (*Normalized, error) {
	if len(payload) == 0 {
		return nil, apperr.InvalidInput("file", "empty audio payload")
	}
	if v.maxBytes > 0 && int64(len(payload)) > v.maxBytes {
		return nil, apperr.InvalidInput("file", fmt.Sprintf("audio payload exceeds %d bytes", v.maxBytes)).
			WithDetail("size", len(payload))
	}

	declared := FormatTag(declaredFormat)
	if declared != "" && !IsSupported(declared) {
		return nil, apperr.InvalidInput("format", fmt.Sprintf("unsupported audio format %q", declared)).
			WithDetail("supported", SupportedFormats)
	}

	detected := mimetype.Detect(payload)
	sniffed := sniffedTag(detected)

	format := declared
	switch {
	case sniffed == "":
		if declared == "" {
			return nil, apperr.InvalidInput("file", "unrecognized audio content").
				WithDetail("detected", detected.String())
		}
	case declared == "" || !compatible(declared, sniffed):
		format = sniffed
	}

	out := &Normalized{
		Data:   payload,
		Format: format,
		MIME:   detected.String(),
	}
	if format == "wav" {
		if err := readWAVInfo(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// IsSupported reports whether tag is an accepted format tag.
func IsSupported(tag string) bool {
	for _, f := range SupportedFormats {
		if f == tag {
			return true
		}
	}
	return false
}

// FormatTag reduces an extension, filename or MIME type to a bare lower-case
// tag. It returns "" when nothing usable was declared.
func FormatTag(declared string) string {
	s := strings.ToLower(strings.TrimSpace(declared))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "/") {
		mt, _, err := mime.ParseMediaType(s)
		if err != nil {
			mt = s
		}
		if mt == "application/octet-stream" || strings.HasPrefix(mt, "multipart/") {
			return ""
		}
		if tag, ok := mimeAliases[mt]; ok {
			return tag
		}
		if m := mimetype.Lookup(mt); m != nil {
			return strings.TrimPrefix(m.Extension(), ".")
		}
		return mt
	}
	if ext := filepath.Ext(s); ext != "" {
		return strings.TrimPrefix(ext, ".")
	}
	return s
}

func sniffedTag(m *mimetype.MIME) string {
	for ; m != nil; m = m.Parent() {
		if tag, ok := mimeAliases[m.String()]; ok {
			return tag
		}
		tag := strings.TrimPrefix(m.Extension(), ".")
		if IsSupported(tag) {
			return tag
		}
		if tag == "mp4" {
			return "m4a"
		}
	}
	return ""
}

func compatible(declared, sniffed string) bool {
	if declared == sniffed {
		return true
	}
	return containers[declared] == sniffed || containers[sniffed] == declared
}

func readWAVInfo(out *Normalized) error {
	info := wav.NewDecoder(bytes.NewReader(out.Data))
	info.ReadInfo()
	if err := info.Err(); err != nil || info.SampleRate == 0 || info.NumChans == 0 {
		return apperr.InvalidInput("file", "malformed WAV header").WithCause(err)
	}
	out.SampleRate = int(info.SampleRate)
	out.Channels = int(info.NumChans)

	// FwdToPCM re-reads the header, so it gets its own reader.
	pcm := wav.NewDecoder(bytes.NewReader(out.Data))
	if err := pcm.FwdToPCM(); err != nil {
		return apperr.InvalidInput("file", "WAV payload has no data chunk").WithCause(err)
	}
	bytesPerSec := int(info.SampleRate) * int(info.NumChans) * int(info.BitDepth) / 8
	if bytesPerSec > 0 {
		out.Duration = time.Duration(float64(pcm.PCMSize) / float64(bytesPerSec) * float64(time.Second))
	}
	return nil
}
