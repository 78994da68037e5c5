// Package report aggregates audit results into the final report and emits
// stream chunks for incremental consumers.
package report

import (
	"time"

	"greenaudit/internal/audit"
)

// Meta describes the run a report belongs to.
type Meta struct {
	ID         string    `json:"id,omitempty"`
	URL        string    `json:"url"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMs int64     `json:"durationMs"`
}

// Outcomes partitions the results of one category.
type Outcomes struct {
	Pass []audit.Result `json:"pass"`
	Fail []audit.Result `json:"fail"`
	Skip []audit.Result `json:"skip"`
}

// Category is one report section. Score is nil when every audit in the
// category was skipped.
type Category struct {
	Name        audit.Category `json:"name"`
	Description string         `json:"description"`
	Score       *float64       `json:"score"`
	Audits      Outcomes       `json:"audits"`
}

// Report is the final aggregate of one run.
type Report struct {
	GlobalScore float64    `json:"globalScore"`
	Meta        Meta       `json:"meta"`
	Categories  []Category `json:"categories"`
	Comments    []string   `json:"comments,omitempty"`
}

// Build groups results into the standard categories and scores them.
func Build(results []audit.Result, meta Meta) *Report {
	categories := Group(results, audit.Categories)
	return &Report{
		GlobalScore: GlobalScore(categories),
		Meta:        meta,
		Categories:  categories,
	}
}

// Group partitions results by category, in the order given, and then by
// outcome. Results keep their input order inside each bucket. Results whose
// category is not listed are dropped.
func Group(results []audit.Result, categories []audit.Category) []Category {
	out := make([]Category, len(categories))
	index := make(map[audit.Category]int, len(categories))
	for i, c := range categories {
		index[c] = i
		out[i] = Category{
			Name:        c,
			Description: c.Description(),
			Audits: Outcomes{
				Pass: []audit.Result{},
				Fail: []audit.Result{},
				Skip: []audit.Result{},
			},
		}
	}

	sums := make([]float64, len(categories))
	counts := make([]int, len(categories))
	for _, res := range results {
		i, ok := index[res.Meta.Category]
		if !ok {
			continue
		}
		bucket := &out[i].Audits
		switch {
		case res.IsSkipped():
			bucket.Skip = append(bucket.Skip, res)
			continue
		case res.Passed():
			bucket.Pass = append(bucket.Pass, res)
		default:
			bucket.Fail = append(bucket.Fail, res)
		}
		sums[i] += *res.Score
		counts[i]++
	}

	for i := range out {
		if counts[i] == 0 {
			continue
		}
		score := sums[i] / float64(counts[i])
		out[i].Score = &score
	}
	return out
}

// GlobalScore is the mean of the non-nil category scores, or 0 when every
// category was skipped.
func GlobalScore(categories []Category) float64 {
	sum, n := 0.0, 0
	for _, c := range categories {
		if c.Score == nil {
			continue
		}
		sum += *c.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Totals counts results by outcome across every category.
func (r *Report) Totals() (pass, fail, skip int) {
	for _, c := range r.Categories {
		pass += len(c.Audits.Pass)
		fail += len(c.Audits.Fail)
		skip += len(c.Audits.Skip)
	}
	return pass, fail, skip
}
