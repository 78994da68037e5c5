// Package audit scores trace bundles. An audit declares the collectors it
// needs and turns their slices into a scored or skipped result.
package audit

import (
	"context"
	"fmt"

	"greenaudit/internal/trace"
)

// Category groups audits in the report.
type Category string

const (
	Server Category = "server"
	Design Category = "design"
)

// Categories lists report categories in output order.
var Categories = []Category{Server, Design}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Description is the human-readable summary shown for the category.
func (c Category) Description() string {
	switch c {
	case Server:
		return "Server aspects which are essential for online sustainability: green hosting, carbon footprint, data transfer."
	case Design:
		return "Hands-on the website assets that convert code to user-friendly content: images, css stylesheets, scripts, fonts."
	default:
		return ""
	}
}

// DisplayMode tells consumers how to render a score.
type DisplayMode string

const (
	Numeric DisplayMode = "numeric"
	Binary  DisplayMode = "binary"
	Skip    DisplayMode = "skip"
)

// EvaluateFunc scores a bundle holding at least the audit's collectors.
type EvaluateFunc func(ctx context.Context, bundle trace.Bundle) (Outcome, error)

// Audit describes one scoring rule.
type Audit struct {
	ID           string
	Title        string
	FailureTitle string
	Description  string
	Category     Category
	Collectors   []string
	Evaluate     EvaluateFunc
}

// Outcome is what an evaluation decides. Skipped outcomes carry their reason
// in ErrorMessage.
type Outcome struct {
	Score        float64
	Mode         DisplayMode
	ExtendedInfo any
	ErrorMessage string
}

// Scored builds a numeric or binary outcome.
func Scored(score float64, mode DisplayMode, info any) Outcome {
	return Outcome{Score: score, Mode: mode, ExtendedInfo: info}
}

// BinaryOutcome scores 1 when pass holds and 0 otherwise.
func BinaryOutcome(pass bool, info any) Outcome {
	score := 0.0
	if pass {
		score = 1
	}
	return Scored(score, Binary, info)
}

// Skipped builds an outcome that excludes the audit from scoring.
func Skipped(reason string) Outcome {
	return Outcome{Mode: Skip, ErrorMessage: reason}
}

// Meta identifies an audit inside a result.
type Meta struct {
	ID          string   `json:"id"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
}

// ExtendedInfo wraps audit-specific details.
type ExtendedInfo struct {
	Value any `json:"value"`
}

// Result is either Scored (Score set, mode numeric or binary) or Skipped
// (mode skip, no score).
type Result struct {
	Meta             Meta          `json:"meta"`
	Score            *float64      `json:"score,omitempty"`
	ScoreDisplayMode DisplayMode   `json:"scoreDisplayMode"`
	ExtendedInfo     *ExtendedInfo `json:"extendedInfo,omitempty"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
}

// IsSkipped reports whether the result carries no score.
func (r Result) IsSkipped() bool {
	return r.ScoreDisplayMode == Skip || r.Score == nil
}

// Passed reports whether a scored result reached the pass threshold.
func (r Result) Passed() bool {
	return !r.IsSkipped() && *r.Score >= 1
}

// SkipResult builds the skipped result for a.
func SkipResult(a Audit, reason string) Result {
	return Result{
		Meta:             Meta{ID: a.ID, Description: a.Description, Category: a.Category},
		ScoreDisplayMode: Skip,
		ErrorMessage:     reason,
	}
}

// Run evaluates a against bundle. Errors and panics inside Evaluate become
// skipped results carrying the failure text.
func Run(ctx context.Context, a Audit, bundle trace.Bundle) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = SkipResult(a, fmt.Sprintf("audit %s panicked: %v", a.ID, r))
		}
	}()

	out, err := a.Evaluate(ctx, bundle)
	if err != nil {
		return SkipResult(a, err.Error())
	}
	if out.Mode == Skip {
		return SkipResult(a, out.ErrorMessage)
	}

	score := clamp01(out.Score)
	mode := out.Mode
	if mode == "" {
		mode = Numeric
	}
	title := a.Title
	if score < 0.5 && a.FailureTitle != "" {
		title = a.FailureTitle
	}
	res = Result{
		Meta:             Meta{ID: a.ID, Title: title, Description: a.Description, Category: a.Category},
		Score:            &score,
		ScoreDisplayMode: mode,
		ErrorMessage:     out.ErrorMessage,
	}
	if out.ExtendedInfo != nil {
		res.ExtendedInfo = &ExtendedInfo{Value: out.ExtendedInfo}
	}
	return res
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
