package audio

import (
	"strings"

	"golang.org/x/text/language"

	"whisper-gateway/internal/apperr"
)

// AutoDetect asks the engine to detect the spoken language.
const AutoDetect = "auto"

// NormalizeLanguage reduces a language hint to the ISO 639 base code the
// engines expect ("en-US" -> "en"). An empty hint resolves to fallback.
func NormalizeLanguage(hint, fallback string) (string, error) {
	h := strings.TrimSpace(hint)
	if h == "" {
		h = strings.TrimSpace(fallback)
	}
	if h == "" || strings.EqualFold(h, AutoDetect) {
		return AutoDetect, nil
	}

	tag, err := language.Parse(h)
	if err != nil {
		return "", apperr.InvalidInput("language", "unrecognized language tag "+h).WithCause(err)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return "", apperr.InvalidInput("language", "unrecognized language tag "+h)
	}
	return base.String(), nil
}
