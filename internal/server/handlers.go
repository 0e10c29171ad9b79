package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"whisper-gateway/internal/apperr"
	"whisper-gateway/internal/audio"
	"whisper-gateway/internal/backend"
	"whisper-gateway/internal/dispatch"
	"whisper-gateway/internal/health"
	"whisper-gateway/internal/logging"
)

// statusClientClosed is logged when the caller hung up before the outcome.
const statusClientClosed = 499

type inferenceResponse struct {
	ID                  string            `json:"id"`
	Text                string            `json:"text"`
	Language            string            `json:"language"`
	LanguageProbability float64           `json:"language_probability,omitempty"`
	Duration            float64           `json:"duration"`
	Segments            []backend.Segment `json:"segments"`
	Words               []backend.Word    `json:"words"`
}

type upload struct {
	data     []byte
	format   string
	language string
}

func (s *Server) handleInference(c *gin.Context) {
	correlationID := c.GetString(ctxRequestID)

	up, err := readUpload(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	clip, err := s.validator.Validate(up.data, up.format)
	if err != nil {
		s.respondError(c, err)
		return
	}
	lang, err := audio.NormalizeLanguage(up.language, s.cfg.DefaultLanguage)
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.log.Debug().
		Str(logging.FieldCorrelationID, correlationID).
		Str("format", clip.Format).
		Int("bytes", clip.Size()).
		Str("language", lang).
		Msg("Audio accepted")

	res, err := s.dispatcher.Submit(c.Request.Context(), dispatch.Request{
		CorrelationID: correlationID,
		Audio:         clip,
		Language:      lang,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			c.AbortWithStatus(statusClientClosed)
			return
		}
		s.respondError(c, err)
		return
	}

	t := res.Transcript
	out := inferenceResponse{
		ID:                  res.ID,
		Text:                t.Text,
		Language:            t.Language,
		LanguageProbability: t.LanguageProbability,
		Duration:            t.Duration,
		Segments:            t.Segments,
		Words:               t.Words(),
	}
	if out.Language == "" {
		out.Language = lang
	}
	if out.Segments == nil {
		out.Segments = []backend.Segment{}
	}
	c.JSON(http.StatusOK, out)
}

// readUpload accepts either a multipart form with a "file" part or the raw
// audio as the request body.
func readUpload(c *gin.Context) (*upload, error) {
	mediaType, _, _ := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if strings.HasPrefix(mediaType, "multipart/") {
		return readMultipart(c)
	}

	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, bodyError(err)
	}
	return &upload{
		data:     data,
		format:   firstNonEmpty(c.Query("format"), c.GetHeader("Content-Type")),
		language: c.Query("language"),
	}, nil
}

func readMultipart(c *gin.Context) (*upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, apperr.InvalidInput("file", "missing file part")
		}
		return nil, bodyError(err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, bodyError(err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, bodyError(err)
	}
	return &upload{
		data:     data,
		format:   firstNonEmpty(c.PostForm("format"), filenameHint(fh.Filename), fh.Header.Get("Content-Type")),
		language: firstNonEmpty(c.PostForm("language"), c.Query("language")),
	}, nil
}

// filenameHint returns the filename only when it has an extension to go
// by; browser recorders upload names like "blob".
func filenameHint(name string) string {
	if filepath.Ext(name) == "" {
		return ""
	}
	return name
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apperr.InvalidInput("file", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
	}
	if strings.Contains(err.Error(), "request body too large") {
		return apperr.InvalidInput("file", "request body too large")
	}
	return apperr.InvalidInput("file", "unreadable request body").WithCause(err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *Server) handleHealth(c *gin.Context) {
	snap := s.health.Snapshot()
	status := http.StatusServiceUnavailable
	if snap.Status == health.Ready {
		status = http.StatusOK
	}
	c.JSON(status, snap)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"dispatcher": s.dispatcher.Stats(),
		"health":     s.health.State(),
	})
}

func (s *Server) respondError(c *gin.Context, err error) {
	e := apperr.From(err)
	if e.HTTPStatus == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(int(s.cfg.RetryAfter.Seconds())))
	}
	if e.HTTPStatus >= 500 {
		s.log.Warn().
			Str(logging.FieldRequestID, c.GetString(ctxRequestID)).
			Str("code", string(e.Code)).
			Err(err).
			Msg("Request failed")
	}
	c.AbortWithStatusJSON(e.HTTPStatus, e.ToResponse())
}
