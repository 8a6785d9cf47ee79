package runner

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Status of a phase in a report
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// PhaseResult records one phase of a run
type PhaseResult struct {
	Phase    string
	Status   Status
	Target   string
	Tasks    int
	Changed  int
	Duration time.Duration
	Err      error
}

// Report summarises a sequence run
type Report struct {
	Scenario string
	Action   string
	Sequence []string
	Phases   []PhaseResult
}

// Failed reports whether any phase failed
func (r *Report) Failed() bool {
	for _, p := range r.Phases {
		if p.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Phase returns the last result recorded for phase
func (r *Report) Phase(phase string) (PhaseResult, bool) {
	for i := len(r.Phases) - 1; i >= 0; i-- {
		if r.Phases[i].Phase == phase {
			return r.Phases[i], true
		}
	}
	return PhaseResult{}, false
}

// Render writes the report as a table
func (r *Report) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("%s: %s", r.Scenario, r.Action))
	t.AppendHeader(table.Row{"#", "Phase", "Status", "Tasks", "Changed", "Duration", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, WidthMax: 60},
	})

	for i, p := range r.Phases {
		errText := ""
		if p.Err != nil {
			errText = firstLine(p.Err.Error())
		}
		t.AppendRow(table.Row{i + 1, p.Phase, string(p.Status), p.Tasks, p.Changed, p.Duration.Round(time.Millisecond), errText})
	}

	status := "PASSED"
	if r.Failed() {
		status = "FAILED"
	}
	t.AppendFooter(table.Row{"", "", status})
	t.Render()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
