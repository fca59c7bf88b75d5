// Package verdict accumulates per-assertion outcomes into a run verdict and
// renders them for the console and the report artifact. The recorder is
// passed explicitly through the scenarios; there is no ambient state.
package verdict

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

type Assertion struct {
	Desc   string `json:"desc"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	At     string `json:"at"`
}

type Recorder struct {
	out     io.Writer
	now     func() time.Time
	started time.Time

	passed  int
	failed  int
	entries []Assertion
}

func NewRecorder(out io.Writer) *Recorder {
	return newRecorder(out, time.Now)
}

func newRecorder(out io.Writer, now func() time.Time) *Recorder {
	if out == nil {
		out = io.Discard
	}
	return &Recorder{out: out, now: now, started: now()}
}

var (
	passMark = color.New(color.FgGreen).Sprint("✓ PASS")
	failMark = color.New(color.FgRed).Sprint("✗ FAIL")
	infoMark = color.New(color.FgYellow).Sprint("  info")
)

// Pass records a successful assertion; only the description is kept.
func (r *Recorder) Pass(desc string) {
	r.passed++
	r.entries = append(r.entries, Assertion{Desc: desc, OK: true, At: r.stamp()})
	fmt.Fprintf(r.out, "%s: %s\n", passMark, desc)
}

// Fail records a failed assertion together with a detail payload for
// post-mortem diagnosis (the raw response or the computed mismatch).
func (r *Recorder) Fail(desc, detail string) {
	r.failed++
	r.entries = append(r.entries, Assertion{Desc: desc, OK: false, Detail: detail, At: r.stamp()})
	fmt.Fprintf(r.out, "%s: %s\n", failMark, desc)
	if detail != "" {
		fmt.Fprintf(r.out, "  Detail: %s\n", detail)
	}
}

// Check folds a boolean observation into the verdict and returns it, so
// scenario code can branch on the outcome.
func (r *Recorder) Check(desc string, ok bool, detail string) bool {
	if ok {
		r.Pass(desc)
	} else {
		r.Fail(desc, detail)
	}
	return ok
}

// Info prints a non-assertive diagnostic line; it does not affect counters.
func (r *Recorder) Info(format string, args ...any) {
	fmt.Fprintf(r.out, "%s: %s\n", infoMark, fmt.Sprintf(format, args...))
}

// Section prints a scenario banner.
func (r *Recorder) Section(title string) {
	fmt.Fprintf(r.out, "\n--- %s ---\n", title)
}

func (r *Recorder) Passed() int { return r.passed }
func (r *Recorder) Failed() int { return r.failed }
func (r *Recorder) Total() int  { return r.passed + r.failed }

func (r *Recorder) Assertions() []Assertion {
	out := make([]Assertion, len(r.entries))
	copy(out, r.entries)
	return out
}

// ExitCode is non-zero iff at least one assertion failed.
func (r *Recorder) ExitCode() int {
	if r.failed > 0 {
		return 1
	}
	return 0
}

// Summary prints the final tally line.
func (r *Recorder) Summary() {
	fmt.Fprintf(r.out, "\n%s\n", summaryLine(r.passed, r.failed))
}

func summaryLine(passed, failed int) string {
	return fmt.Sprintf("Results: %s, %s, %d total",
		color.New(color.FgGreen).Sprintf("%d passed", passed),
		color.New(color.FgRed).Sprintf("%d failed", failed),
		passed+failed)
}

func (r *Recorder) stamp() string {
	return r.now().UTC().Format(time.RFC3339)
}
