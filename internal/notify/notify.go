package notify

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"rideline/internal/domain"
)

// Console prompts on a terminal. With AssumeYes set every confirmation is
// accepted without reading input.
type Console struct {
	In        io.Reader
	Out       io.Writer
	AssumeYes bool

	once   sync.Once
	reader *bufio.Reader
}

func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{In: in, Out: out}
}

func (c *Console) Confirm(message string) bool {
	fmt.Fprintln(c.Out, message)
	if c.AssumeYes {
		fmt.Fprintln(c.Out, "[y/N]: y")
		return true
	}
	fmt.Fprint(c.Out, "[y/N]: ")
	c.once.Do(func() { c.reader = bufio.NewReader(c.In) })
	line, err := c.reader.ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(c.Out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func (c *Console) ShowMessage(message string) {
	fmt.Fprintln(c.Out, message)
}

func (c *Console) ShowSummary(rows []domain.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(c.Out)
	t.AppendHeader(table.Row{"Row", "Date", "Group", "Ride", "Errors", "Warnings"})
	for _, r := range rows {
		t.AppendRow(table.Row{r.Position, r.StartDate, r.Group, r.Ride.Name, strings.Join(r.Errors, "; "), strings.Join(r.Warnings, "; ")})
	}
	t.Render()
}

// Recorder remembers every call and answers confirmations with Answer. It is
// what non-interactive callers (the HTTP server, retry ticks) hand the
// engine.
type Recorder struct {
	Answer bool

	mu        sync.Mutex
	Confirms  []string
	Messages  []string
	Summaries [][]domain.Row
}

func (r *Recorder) Confirm(message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Confirms = append(r.Confirms, message)
	return r.Answer
}

func (r *Recorder) ShowMessage(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, message)
}

func (r *Recorder) ShowSummary(rows []domain.Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Summaries = append(r.Summaries, append([]domain.Row(nil), rows...))
}

// Snapshot returns copies of the recorded messages.
func (r *Recorder) Snapshot() (confirms, messages []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Confirms...), append([]string(nil), r.Messages...)
}

// Log reports through slog. It is what long-running processes hand the
// engine, where nobody reads a terminal.
type Log struct {
	Logger *slog.Logger
	Answer bool
}

func (l Log) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func (l Log) Confirm(message string) bool {
	l.logger().Info("confirmation", "message", message, "answer", l.Answer)
	return l.Answer
}

func (l Log) ShowMessage(message string) {
	l.logger().Warn(message)
}

func (l Log) ShowSummary(rows []domain.Row) {
	for _, r := range rows {
		l.logger().Info("row", "row_id", r.ID, "position", r.Position, "errors", r.Errors, "warnings", r.Warnings)
	}
}
