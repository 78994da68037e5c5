package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes for different failure modes
const (
	ExitSuccess     = 0
	ExitBelowTarget = 1 // the audit ran but scored under --min-score
	ExitError       = 2 // configuration or runtime error
)

// ScoreError reports a finished audit whose global score missed the target.
type ScoreError struct {
	Score  float64
	Target float64
}

func (e *ScoreError) Error() string {
	return fmt.Sprintf("global score %.2f is below the required %.2f", e.Score, e.Target)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)

		var scoreErr *ScoreError
		if errors.As(err, &scoreErr) {
			os.Exit(ExitBelowTarget)
		}
		os.Exit(ExitError)
	}
}
