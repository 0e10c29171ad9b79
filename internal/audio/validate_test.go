package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"whisper-gateway/internal/apperr"
)

// silentWAV builds a mono 16-bit PCM WAV of the given length.
func silentWAV(sampleRate int, d time.Duration) []byte {
	samples := int(float64(sampleRate) * d.Seconds())
	dataSize := samples * 2

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))
	return buf.Bytes()
}

func mp3Payload() []byte {
	// ID3v2 header followed by padding.
	return append([]byte("ID3\x03\x00\x00\x00\x00\x00\x00"), make([]byte, 64)...)
}

func TestValidateWAVReadsHeader(t *testing.T) {
	v := NewValidator(1 << 20)

	out, err := v.Validate(silentWAV(16000, 2*time.Second), "clip.wav")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if out.Format != "wav" {
		t.Errorf("expected wav, got %q", out.Format)
	}
	if out.SampleRate != 16000 || out.Channels != 1 {
		t.Errorf("unexpected header %d Hz / %d ch", out.SampleRate, out.Channels)
	}
	if out.Duration != 2*time.Second {
		t.Errorf("expected 2s duration, got %v", out.Duration)
	}
}

func TestValidateRejects(t *testing.T) {
	v := NewValidator(1024)

	tests := []struct {
		name     string
		payload  []byte
		declared string
	}{
		{"empty", nil, "wav"},
		{"too large", make([]byte, 2048), "mp3"},
		{"unsupported declared", mp3Payload(), "video/mp2t"},
		{"unsupported extension", mp3Payload(), ".txt"},
		{"unknown content undeclared", []byte("just some text, not audio"), ""},
		{"broken wav", []byte("RIFF\x00\x00\x00\x00WAVEjunk"), "wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.payload, tt.declared)
			if err == nil {
				t.Fatal("expected error")
			}
			if !apperr.Is(err, apperr.CodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestValidateSniffedFormatWins(t *testing.T) {
	v := NewValidator(0)

	out, err := v.Validate(mp3Payload(), "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if out.Format != "mp3" {
		t.Errorf("expected sniffed mp3, got %q", out.Format)
	}

	out, err = v.Validate(mp3Payload(), "flac")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if out.Format != "mp3" {
		t.Errorf("sniffed format should override declared flac, got %q", out.Format)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	v := NewValidator(1 << 20)
	payloads := []struct {
		data     []byte
		declared string
	}{
		{silentWAV(8000, time.Second), "audio/x-wav"},
		{mp3Payload(), ".mp3"},
		{[]byte("nope"), ""},
	}
	for _, p := range payloads {
		first, err1 := v.Validate(p.data, p.declared)
		second, err2 := v.Validate(p.data, p.declared)
		if (err1 == nil) != (err2 == nil) {
			t.Fatalf("outcomes differ: %v vs %v", err1, err2)
		}
		if err1 == nil && (first.Format != second.Format || first.Duration != second.Duration) {
			t.Errorf("normalized metadata differs: %+v vs %+v", first, second)
		}
	}
}

func TestFormatTag(t *testing.T) {
	tests := map[string]string{
		"":                         "",
		"WAV":                      "wav",
		".flac":                    "flac",
		"recording.M4A":            "m4a",
		"audio/x-wav":              "wav",
		"audio/mpeg":               "mp3",
		"audio/ogg; codecs=opus":   "ogg",
		"application/octet-stream": "",
	}
	for in, want := range tests {
		if got := FormatTag(in); got != want {
			t.Errorf("FormatTag(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		hint, fallback, want string
		wantErr              bool
	}{
		{"", "ar", "ar", false},
		{"en-US", "ar", "en", false},
		{"AUTO", "en", "auto", false},
		{"", "", "auto", false},
		{"fr", "en", "fr", false},
		{"not a language!", "en", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeLanguage(tt.hint, tt.fallback)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeLanguage(%q) error = %v, wantErr %v", tt.hint, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeLanguage(%q) = %q, want %q", tt.hint, got, tt.want)
		}
	}
}
