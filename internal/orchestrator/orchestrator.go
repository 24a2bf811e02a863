// Package orchestrator drives the per-target loop: it calls the
// pipeline for each configured target, gates continuation after a
// failure through the operator, and prints the final colorized summary
// (spec §4.6).
package orchestrator

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stm32uartprog/stm32uartprog/internal/durfmt"
	"github.com/stm32uartprog/stm32uartprog/internal/pipeline"
	"github.com/stm32uartprog/stm32uartprog/internal/progress"
	"github.com/stm32uartprog/stm32uartprog/internal/uiprompt"
)

// Runner is the subset of pipeline behavior the orchestrator needs,
// kept narrow so tests can substitute a fake.
type Runner interface {
	ProgramTarget(targetID int) pipeline.Status
}

// Result records one target's outcome for the final summary table.
type Result struct {
	TargetID int
	Status   pipeline.Status
	Elapsed  time.Duration
}

// Orchestrator runs a full session across a target list.
type Orchestrator struct {
	run    Runner
	prompt *uiprompt.Prompter
	log    logrus.FieldLogger
}

func New(run Runner, prompt *uiprompt.Prompter, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{run: run, prompt: prompt, log: log}
}

// Run programs every target in order, stopping early if the operator
// declines to continue past a Fail, and returns the accumulated
// per-target results in the order they were attempted.
func (o *Orchestrator) Run(targets []int) []Result {
	results := make([]Result, 0, len(targets))

	for _, targetID := range targets {
		start := time.Now()
		status := o.run.ProgramTarget(targetID)
		elapsed := time.Since(start)
		results = append(results, Result{TargetID: targetID, Status: status, Elapsed: elapsed})

		if status == pipeline.Fail {
			o.log.Errorf("target ID%d: failed after %s", targetID, durfmt.Format(elapsed))
			if !o.prompt.Confirm(
				fmt.Sprintf("Target ID%d failed. Continue with remaining targets?", targetID),
				"Session aborted by operator",
			) {
				break
			}
		}
	}

	return results
}

// PrintSummary renders the final colorized per-target status table.
func PrintSummary(results []Result) {
	fmt.Printf("\n%s%s%s\n", progress.Bold, "Summary", progress.Reset)
	for _, r := range results {
		color := progress.StatusColor(r.Status.String())
		fmt.Printf("  target ID%-6d %s%-8s%s %s\n", r.TargetID, color, r.Status, progress.Reset, durfmt.Format(r.Elapsed))
	}
}
