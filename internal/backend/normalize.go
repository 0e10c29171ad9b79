package backend

import (
	"math"
	"strings"
	"time"
)

// Estimated words used when the engine returned no word timings.
const (
	estimatedWordSeconds     = 0.5
	estimatedWordProbability = 0.75
)

// finalize cleans up an engine transcript: trims and drops empty segments
// and words, synthesizes a segment when the engine returned only text,
// clamps timings into [0, clip] when the clip length is known, estimates
// words when the engine gave none, and fills missing text and duration.
func finalize(t *Transcript, clip time.Duration) *Transcript {
	limit := clip.Seconds()
	if limit <= 0 {
		limit = t.Duration
	}

	segments := make([]Segment, 0, len(t.Segments))
	hasWords := false
	for _, s := range t.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		s.Start = clamp(s.Start, limit)
		s.End = clamp(s.End, limit)
		if s.End < s.Start {
			s.End = s.Start
		}
		s.Words = cleanWords(s.Words, limit)
		hasWords = hasWords || len(s.Words) > 0
		segments = append(segments, s)
	}

	text := strings.TrimSpace(t.Text)
	if text == "" && len(segments) > 0 {
		parts := make([]string, len(segments))
		for i, s := range segments {
			parts[i] = s.Text
		}
		text = strings.Join(parts, " ")
	}
	if len(segments) == 0 && text != "" {
		segments = append(segments, Segment{Start: 0, End: math.Max(limit, 0), Text: text})
	}
	if !hasWords {
		for i := range segments {
			segments[i].Words = estimateWords(segments[i], limit)
		}
	}

	duration := t.Duration
	if clip > 0 {
		duration = clip.Seconds()
	} else if duration <= 0 && len(segments) > 0 {
		duration = segments[len(segments)-1].End
	}

	return &Transcript{
		Text:                text,
		Language:            t.Language,
		LanguageProbability: t.LanguageProbability,
		Duration:            duration,
		Segments:            segments,
	}
}

func cleanWords(words []Word, limit float64) []Word {
	if len(words) == 0 {
		return nil
	}
	out := make([]Word, 0, len(words))
	for _, w := range words {
		w.Word = strings.TrimSpace(w.Word)
		if w.Word == "" {
			continue
		}
		w.Start = clamp(w.Start, limit)
		w.End = clamp(w.End, limit)
		if w.End < w.Start {
			w.End = w.Start
		}
		w.Probability = clamp(w.Probability, 1)
		out = append(out, w)
	}
	return out
}

// estimateWords spreads the segment's words evenly over its span, or gives
// each a fixed length from the segment start when the span is empty.
func estimateWords(s Segment, limit float64) []Word {
	fields := strings.Fields(s.Text)
	if len(fields) == 0 {
		return nil
	}
	step := estimatedWordSeconds
	if span := s.End - s.Start; span > 0 {
		step = span / float64(len(fields))
	}
	words := make([]Word, len(fields))
	for i, f := range fields {
		words[i] = Word{
			Word:        f,
			Start:       clamp(s.Start+float64(i)*step, limit),
			End:         clamp(s.Start+float64(i+1)*step, limit),
			Probability: estimatedWordProbability,
		}
	}
	return words
}

func clamp(v, limit float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if limit > 0 && v > limit {
		return limit
	}
	return v
}
