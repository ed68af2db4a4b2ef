// Package cli drives one refinement session from a terminal.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/models"
	"github.com/ekaya-inc/ekaya-refine/pkg/services"
)

// maxDisplayRows caps how many result rows are printed.
const maxDisplayRows = 50

const helpText = `Ask a question about your data, e.g. "total sales by month for the last year".

When a statement is shown:
  yes         run it
  no          discard it
  modify      describe what should change
  regenerate  try a different approach

Any time:
  history     show this session's turns
  clear       forget the conversation so far
  help        show this message
  exit        quit
`

// Session is the part of services.Session the REPL drives.
type Session interface {
	State() models.SessionState
	History() []models.ConversationTurn
	ClearHistory() error
	Submit(ctx context.Context, utterance string) (*services.TurnResult, error)
	Feedback(ctx context.Context, decision models.Decision, text string) (*services.TurnResult, error)
}

var _ Session = (*services.Session)(nil)

// REPL reads utterances and feedback tokens line by line and renders each turn.
type REPL struct {
	session Session
	in      *bufio.Scanner
	out     io.Writer
	logger  *zap.Logger
}

// NewREPL creates a REPL reading from in and writing to out.
func NewREPL(session Session, in io.Reader, out io.Writer, logger *zap.Logger) *REPL {
	return &REPL{
		session: session,
		in:      bufio.NewScanner(in),
		out:     out,
		logger:  logger.Named("cli"),
	}
}

// Run loops until exit, end of input or ctx cancellation.
func (r *REPL) Run(ctx context.Context) error {
	r.printf("Type a question, or \"help\" for commands.\n")
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line, ok := r.prompt(r.promptFor(r.session.State()))
		if !ok {
			return r.in.Err()
		}
		if line == "" {
			continue
		}

		done, err := r.handle(ctx, line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *REPL) promptFor(state models.SessionState) string {
	if state == models.StateAwaitingFeedback {
		return "Run it? [yes/no/modify/regenerate] > "
	}
	return "> "
}

// handle processes one line and reports whether the REPL should stop.
func (r *REPL) handle(ctx context.Context, line string) (bool, error) {
	switch strings.ToLower(line) {
	case "exit", "quit":
		return true, nil
	case "help":
		r.printf("%s", helpText)
		return false, nil
	case "history":
		return false, r.renderHistory()
	case "clear":
		if err := r.session.ClearHistory(); err != nil {
			r.printf("Could not clear history: %v\n", err)
			return false, nil
		}
		r.printf("History cleared.\n")
		return false, nil
	}

	if r.session.State() == models.StateAwaitingFeedback {
		return false, r.feedback(ctx, line)
	}

	res, err := r.session.Submit(ctx, line)
	return false, r.report(res, err)
}

func (r *REPL) feedback(ctx context.Context, line string) error {
	decision, ok := models.ParseDecision(line)
	if !ok {
		r.printf("Please answer yes, no, modify or regenerate.\n")
		return nil
	}

	var text string
	switch decision {
	case models.DecisionModify:
		text, ok = r.prompt("What should change? > ")
		if !ok {
			return r.in.Err()
		}
		if text == "" {
			r.printf("No change given, keeping the current statement.\n")
			return nil
		}
	case models.DecisionRegenerate:
		text, ok = r.prompt("What's wrong with this approach? (optional) > ")
		if !ok {
			return r.in.Err()
		}
	}

	res, err := r.session.Feedback(ctx, decision, text)
	return r.report(res, err)
}

// report renders a turn result. Usage errors are shown to the user; other errors end the REPL.
func (r *REPL) report(res *services.TurnResult, err error) error {
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrCandidateNotApproved):
			r.printf("That statement did not pass the safety check and cannot be run. Try modify or regenerate.\n")
			return nil
		case errors.Is(err, apperrors.ErrSessionBusy),
			errors.Is(err, apperrors.ErrInvalidTransition),
			errors.Is(err, apperrors.ErrFeedbackRequired):
			r.printf("%v\n", err)
			return nil
		}
		return err
	}

	if res.SafetyRegenerations > 0 {
		r.printf("(rewrote the statement %d time(s) after safety checks)\n", res.SafetyRegenerations)
	}

	switch res.State {
	case models.StateAwaitingFeedback:
		r.renderCandidate(res.Candidate)
	case models.StateTerminalAccepted:
		r.renderResult(res.Result)
	case models.StateTerminalRejected:
		r.printf("Discarded. Ask another question when ready.\n")
	case models.StateTerminalFailed:
		r.printf("Error: %s\n", res.Err.UserMessage())
	}
	return nil
}

func (r *REPL) renderCandidate(c *models.SQLCandidate) {
	if c.Reasoning != "" {
		r.printf("\nReasoning: %s\n", c.Reasoning)
	}
	r.printf("\n%s\n\n", c.Text)
	if cols := c.OutputColumns; len(cols) > 0 {
		names := make([]string, len(cols))
		for i, col := range cols {
			names[i] = col.Name
		}
		r.printf("Returns: %s\n", strings.Join(names, ", "))
	}
	for _, w := range c.Verdict.Warnings {
		r.printf("Warning: %s\n", w)
	}
	if !c.Approved() {
		r.printf("Safety check failed: %s\n", c.Verdict.Reason)
	}
}

func (r *REPL) renderResult(res *models.ExecutionResult) {
	if res == nil || len(res.Columns) == 0 {
		r.printf("Query returned no columns.\n")
		return
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	shown := res.Rows
	if len(shown) > maxDisplayRows {
		shown = shown[:maxDisplayRows]
	}
	cells := make([]string, len(res.Columns))
	for _, row := range shown {
		for i, col := range res.Columns {
			cells[i] = formatCell(row[col])
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	if err := w.Flush(); err != nil {
		r.logger.Warn("Failed to render result", zap.Error(err))
	}

	switch {
	case res.Truncated:
		r.printf("(%d rows shown, more available)\n", len(shown))
	case len(shown) < res.RowCount:
		r.printf("(%d of %d rows shown)\n", len(shown), res.RowCount)
	default:
		r.printf("(%d rows)\n", res.RowCount)
	}
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return val.Format(time.RFC3339)
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// historyEntry is one turn as rendered by the history command.
type historyEntry struct {
	Seq      int    `yaml:"seq"`
	Input    string `yaml:"input,omitempty"`
	Kind     string `yaml:"kind,omitempty"`
	Decision string `yaml:"decision,omitempty"`
	State    string `yaml:"state"`
	SQL      string `yaml:"sql,omitempty"`
	Verdict  string `yaml:"verdict,omitempty"`
	Failure  string `yaml:"failure,omitempty"`
	Rows     int    `yaml:"rows,omitempty"`
	At       string `yaml:"at"`
}

func (r *REPL) renderHistory() error {
	turns := r.session.History()
	if len(turns) == 0 {
		r.printf("No history yet.\n")
		return nil
	}

	entries := make([]historyEntry, 0, len(turns))
	for _, t := range turns {
		e := historyEntry{
			Seq:      t.Seq,
			Input:    t.Input,
			Kind:     string(t.InputKind),
			Decision: string(t.Decision),
			State:    string(t.State),
			Failure:  t.Failure,
			Rows:     t.RowCount,
			At:       t.CreatedAt.Format(time.RFC3339),
		}
		if t.Candidate != nil {
			e.SQL = t.Candidate.Text
			e.Verdict = string(t.Candidate.Verdict.Status)
		}
		entries = append(entries, e)
	}

	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("render history: %w", err)
	}
	return enc.Close()
}

func (r *REPL) prompt(p string) (string, bool) {
	r.printf("%s", p)
	if !r.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(r.in.Text()), true
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}
