package observability

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/jonathan/content-pipeline/internal/checkpoint"
	"github.com/jonathan/content-pipeline/internal/orchestration"
)

// boxWidth is the width of summary boxes.
const boxWidth = 60

// Printer renders run progress and store contents for the CLI.
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	for _, line := range strings.Split(content, "\n") {
		if len([]rune(line)) > boxWidth-4 {
			line = string([]rune(line)[:boxWidth-7]) + "..."
		}
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintEvent writes one progress event as a single line.
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) PrintEvent(ev orchestration.ProgressEvent) {
	switch ev.Kind {
	case orchestration.EventProgress:
		fmt.Fprintf(p.out, "[%3d%%] %s\n", ev.Percent, ev.Message)
	case orchestration.EventPhaseChange:
		fmt.Fprintf(p.out, "  -> phase %s (%s)\n", ev.Phase, ev.Agent)
	case orchestration.EventAgentStart:
		fmt.Fprintf(p.out, "  .. %s started\n", ev.Agent)
	case orchestration.EventAgentComplete:
		fmt.Fprintf(p.out, "  ok %s complete (%d bytes)\n", ev.Agent, len(ev.Content))
	case orchestration.EventError:
		retry := ""
		if ev.Retryable {
			retry = ", retryable"
		}
		fmt.Fprintf(p.out, "  !! %s: %s (%s%s)\n", ev.Agent, ev.Message, ev.ErrorType, retry)
	}
}

// PrintRunResult outputs the outcome of a run.
func (p *Printer) PrintRunResult(res *orchestration.RunResult) {
	if res == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session:  %s\n", res.SessionID)
	fmt.Fprintf(&sb, "Status:   %s\n", res.Status)
	fmt.Fprintf(&sb, "Phase:    %s (%d%%)\n", res.State.CurrentPhase, res.State.Progress)
	fmt.Fprintf(&sb, "Elapsed:  %s\n", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&sb, "Stages:   %s", stageList(res.State.CompletedStages()))
	if res.Action != "" {
		fmt.Fprintf(&sb, "\nAction:   %s", res.Action)
	}
	if res.Error != nil {
		fmt.Fprintf(&sb, "\nError:    %s", res.Error.Type)
		fmt.Fprintf(&sb, "\n  %s", res.Error.Message)
	}

	p.printBox("RUN RESULT", sb.String())
}

// PrintSession outputs a session row and, when present, the state of its latest
// checkpoint.
func (p *Printer) PrintSession(sess *checkpoint.Session, state *orchestration.RunState) {
	if sess == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Session:  %s\n", sess.ID)
	fmt.Fprintf(&sb, "User:     %s\n", sess.UserID)
	fmt.Fprintf(&sb, "Theme:    %s\n", sess.Theme)
	fmt.Fprintf(&sb, "Status:   %s", sess.Status)
	if sess.ErrorMessage != "" {
		fmt.Fprintf(&sb, "\nError:    %s (retryable: %t)", sess.ErrorMessage, sess.Retryable)
	}
	fmt.Fprintf(&sb, "\nUpdated:  %s", sess.UpdatedAt.Format(time.RFC3339))
	if state != nil {
		fmt.Fprintf(&sb, "\n\nCheckpoint phase: %s (%d%%)", state.CurrentPhase, state.Progress)
		fmt.Fprintf(&sb, "\nCompleted stages: %s", stageList(state.CompletedStages()))
		fmt.Fprintf(&sb, "\nResumes:          %d", state.ResumeCount)
	}

	p.printBox("SESSION", sb.String())
}

// PrintSessions renders session rows as a table.
func (p *Printer) PrintSessions(sessions []checkpoint.Session) {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.AppendHeader(table.Row{"ID", "User", "Theme", "Status", "Updated"})
	for _, s := range sessions {
		tw.AppendRow(table.Row{s.ID, s.UserID, s.Theme, s.Status, s.UpdatedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

// PrintCheckpoints renders checkpoint metadata as a table, newest first.
func (p *Printer) PrintCheckpoints(cps []*checkpoint.Checkpoint) {
	tw := table.NewWriter()
	tw.SetOutputMirror(p.out)
	tw.AppendHeader(table.Row{"Seq", "ID", "Stage", "Phase", "Reason", "Created", "Parent"})
	for _, cp := range cps {
		parent := ""
		if cp.ParentID != nil {
			parent = cp.ParentID.String()
		}
		tw.AppendRow(table.Row{
			cp.Seq,
			cp.ID.String(),
			cp.Metadata.Stage,
			cp.Metadata.Phase,
			cp.Metadata.Reason,
			cp.CreatedAt.Format(time.RFC3339),
			parent,
		})
	}
	tw.AppendFooter(table.Row{"", fmt.Sprintf("%d checkpoints", len(cps))})
	tw.Render()
}

func stageList(stages []orchestration.Stage) string {
	if len(stages) == 0 {
		return "none"
	}
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}
