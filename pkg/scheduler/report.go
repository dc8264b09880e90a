package scheduler

import (
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
)

// Result of a run, block or job.
type Result string

const (
	// ResultPassed means every command finished with exit code zero.
	ResultPassed Result = "passed"
	// ResultFailed means a command failed or an artifact operation did.
	ResultFailed Result = "failed"
	// ResultStopped means the work was interrupted mid flight, by fail_fast
	// or a time limit.
	ResultStopped Result = "stopped"
	// ResultSkipped means a run or skip condition kept the block from
	// starting. Skipped blocks count as satisfied for their dependents.
	ResultSkipped Result = "skipped"
	// ResultCanceled means the block was removed from the queue before it
	// started, by fail_fast or by a dependency that did not pass.
	ResultCanceled Result = "canceled"
)

// Report is the machine readable outcome of one pipeline run.
type Report struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	Result     Result        `json:"result"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Blocks     []BlockReport `json:"blocks"`
}

type BlockReport struct {
	Name   string      `json:"name"`
	Result Result      `json:"result"`
	Reason string      `json:"reason,omitempty"`
	Jobs   []JobReport `json:"jobs,omitempty"`
}

type JobReport struct {
	Name       string    `json:"name"`
	Result     Result    `json:"result"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Block returns the report for the named block, nil when absent.
func (r *Report) Block(name string) *BlockReport {
	for i := range r.Blocks {
		if r.Blocks[i].Name == name {
			return &r.Blocks[i]
		}
	}
	return nil
}

// WriteJSON writes the indented report for machine consumers.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("could not encode run report: %w", err)
	}
	return nil
}
