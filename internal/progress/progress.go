// Package progress renders per-target progress and the colorized final
// summary table, standing in for the progress-bar-rendering external
// collaborator the spec names but does not interface-define.
package progress

import "fmt"

// ANSI color codes, grounded on the original's colors.py constants.
const (
	Reset   = "\x1b[0m"
	Bold    = "\x1b[1m"
	Red     = "\x1b[31m"
	Green   = "\x1b[32m"
	Yellow  = "\x1b[33m"
	Blue    = "\x1b[34m"
	Magenta = "\x1b[35m"
)

// Sink receives chunk progress updates. A failed sector erase-attempt
// rolls its provisional credit back with a negative Add so that the
// running total only ever reflects durable work (P6) — the pipeline
// tracks credited-this-attempt locally and reverses it in one call
// rather than letting transient progress leak into the displayed total.
type Sink interface {
	// SetTotal declares (or re-declares) the total number of chunks to
	// be programmed across the whole session.
	SetTotal(total int)
	// Add adjusts the completed-chunk count by delta, which may be
	// negative when rolling back a failed erase attempt.
	Add(delta int)
	// SetContext updates the current target/sector label shown beside
	// the bar.
	SetContext(targetID int, sector, totalSectors int)
	// Writeln prints a line above the progress display without
	// disturbing it.
	Writeln(line string)
}

// NopSink discards all progress updates; useful for tests.
type NopSink struct{}

func (NopSink) SetTotal(int)             {}
func (NopSink) Add(int)                  {}
func (NopSink) SetContext(int, int, int) {}
func (NopSink) Writeln(string)           {}

// StderrSink is a minimal line-oriented Sink with no bar rendering,
// printing a running total instead — the pack carries no progress-bar
// library, so this is the concrete, dependency-free implementation used
// by the CLI.
type StderrSink struct {
	total     int
	completed int
}

func NewStderrSink() *StderrSink { return &StderrSink{} }

func (s *StderrSink) SetTotal(total int) { s.total = total }

func (s *StderrSink) Add(delta int) {
	s.completed += delta
	fmt.Printf("\rprogress: %d/%d chunks", s.completed, s.total)
}

func (s *StderrSink) SetContext(targetID int, sector, totalSectors int) {
	fmt.Printf("\n%starget ID %d%s: sector %d/%d\n", Blue, targetID, Reset, sector, totalSectors)
}

func (s *StderrSink) Writeln(line string) {
	fmt.Printf("\n%s\n", line)
}

// StatusColor returns the ANSI color used for a per-target status word.
func StatusColor(status string) string {
	switch status {
	case "Success":
		return Green
	case "Warning":
		return Yellow
	default:
		return Red
	}
}
