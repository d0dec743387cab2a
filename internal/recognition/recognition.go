// Package recognition turns text read from frames into train identifiers and
// video timestamps.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/bdougie/argus/internal/models"
)

// ErrNotFound means nothing usable was recognized in the frame. Ambiguous or
// low-confidence readings are reported the same way.
var ErrNotFound = errors.New("recognition: not found")

// Recognizer reads text from a frame.
type Recognizer interface {
	// Timestamp returns the raw timestamp burned into the frame.
	Timestamp(ctx context.Context, frame models.Frame) (string, error)
	// Train returns the locomotive model and number visible in the frame.
	Train(ctx context.Context, frame models.Frame) (models.TrainReading, error)
}

// Train is a validated, normalized train identity.
type Train struct {
	Model      string
	Number     string
	Confidence float64
}

// ID is the full identifier, e.g. "ЭП20-076".
func (t Train) ID() string { return t.Model + "-" + t.Number }

// Identify normalizes a raw reading and rejects it when it is malformed or
// below minConfidence.
func Identify(r models.TrainReading, minConfidence float64) (Train, error) {
	if r.Confidence < minConfidence {
		return Train{}, ErrNotFound
	}
	number, ok := NormalizeNumber(r.Number)
	if !ok {
		return Train{}, ErrNotFound
	}
	model, ok := NormalizeModel(r.Model)
	if !ok {
		return Train{}, ErrNotFound
	}
	return Train{Model: model, Number: number, Confidence: r.Confidence}, nil
}

var lookalikes = strings.NewReplacer(
	"II", "П",
	"3", "Э", "9", "Э", "E", "Э", "[", "Э", "{", "Э",
	"Л", "П", "N", "П",
	"Z", "2",
	"O", "0", "О", "0", "D", "0", "Q", "0",
)

var modelChars = regexp.MustCompile(`[^ЭП20]`)

// NormalizeModel repairs the usual OCR confusions in ЭП20 locomotive models
// and validates the result.
func NormalizeModel(raw string) (string, bool) {
	upper := strings.ToUpper(strings.ReplaceAll(raw, " ", ""))
	if upper == "" {
		return "", false
	}

	cleaned := modelChars.ReplaceAllString(lookalikes.Replace(upper), "")

	var model string
	switch {
	case strings.Contains(cleaned, "П") && strings.Contains(cleaned, "2"):
		model = "ЭП20"
	case cleaned == "Э20":
		model = "ЭП20"
	case len([]rune(cleaned)) > 2:
		model = cleaned
	default:
		model = upper
	}

	if strings.HasPrefix(model, "П") || strings.HasPrefix(model, "2") {
		model = "Э" + model
	}
	if model == "ЭП2" {
		model = "ЭП20"
	}
	if !strings.HasPrefix(model, "Э") {
		model = "Э" + model
	}

	if !validModel(model) {
		return "", false
	}
	return model, true
}

func validModel(s string) bool {
	r := []rune(s)
	if len(r) < 2 || len(r) > 8 {
		return false
	}
	var letter, digit bool
	for _, c := range r {
		switch {
		case unicode.IsDigit(c):
			digit = true
		case unicode.IsLetter(c):
			letter = true
		default:
			return false
		}
	}
	return letter && digit
}

var nonDigits = regexp.MustCompile(`\D`)

// NormalizeNumber accepts three digits, or four with a leading zero, and
// returns the last three.
func NormalizeNumber(raw string) (string, bool) {
	d := nonDigits.ReplaceAllString(raw, "")
	switch {
	case len(d) == 3:
		return d, true
	case len(d) == 4 && d[0] == '0':
		return d[1:], true
	}
	return "", false
}

var (
	datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	timePattern = regexp.MustCompile(`\d{2}:\d{2}:\d{2}`)
)

// ParseTimestamp interprets an on-screen timestamp. Full readings look like
// "2022-03-20 12:00:05" (the space may be lost by OCR); time-only readings
// take their date from base.
func ParseTimestamp(text string, base time.Time) (time.Time, error) {
	t := strings.ReplaceAll(strings.TrimSpace(text), ".", ":")

	clock := timePattern.FindString(t)
	if clock == "" {
		return time.Time{}, fmt.Errorf("recognition: no time of day in %q", text)
	}
	date := datePattern.FindString(t)
	if date == "" {
		date = base.Format(time.DateOnly)
	}

	loc := base.Location()
	if base.IsZero() {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(time.DateTime, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("recognition: parse %q: %w", text, err)
	}
	return ts, nil
}
