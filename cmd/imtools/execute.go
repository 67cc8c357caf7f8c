package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/openUC2/ImTools/internal/archive"
	"github.com/openUC2/ImTools/internal/engine"
	"github.com/openUC2/ImTools/internal/logger"
	"github.com/openUC2/ImTools/internal/tui"
)

type execOptions struct {
	Name        string
	Workflow    *engine.Workflow
	Context     *engine.ExecutionContext
	Out         io.Writer
	Interactive bool
	JSON        bool
	ArchivePath string
}

// outcome remembers the final workflow event and the first step failure.
type outcome struct {
	final  engine.Event
	failed engine.Event
}

func (o *outcome) listen(evt engine.Event) error {
	switch {
	case evt.Name == engine.EventWorkflow && evt.Status != engine.StatusStarted:
		o.final = evt
	case evt.Name == engine.EventProgress && evt.Status == engine.StatusFailed && o.failed.StepID == "":
		o.failed = evt
	}
	return nil
}

func (o *outcome) err() error {
	switch o.final.Status {
	case engine.StatusFailed:
		return fmt.Errorf("workflow failed: step %s: %s", o.failed.StepID, o.failed.Error)
	case engine.StatusStopped:
		return fmt.Errorf("workflow stopped before step %d; resume with --from %d", o.final.Cursor, o.final.Cursor)
	default:
		return nil
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// execute runs opts.Workflow to completion, with the TUI when interactive and
// line-oriented progress otherwise. SIGINT and SIGTERM request a stop.
func execute(ctx context.Context, opts execOptions, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ec := opts.Context
	result := &outcome{}
	for _, name := range []string{engine.EventProgress, engine.EventWorkflow} {
		defer ec.Subscribe(name, result.listen).Unsubscribe()
	}

	var err error
	if opts.Interactive {
		err = runInteractive(ctx, opts)
	} else {
		runPlain(ctx, opts)
	}
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(opts.Out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ec.Results()); err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
	}
	if opts.ArchivePath != "" {
		if err := archiveRun(opts, result.final, log); err != nil {
			return err
		}
	}
	return result.err()
}

func runInteractive(ctx context.Context, opts execOptions) error {
	ec := opts.Context
	program := tea.NewProgram(tui.NewModel(opts.Name, opts.Workflow.Steps(), ec.RequestStop), tea.WithOutput(opts.Out))
	detach := tui.Attach(ec, program)
	defer detach()

	handle := opts.Workflow.RunInBackground(ctx, ec)
	if _, err := program.Run(); err != nil {
		ec.RequestStop()
		_ = handle.Wait(context.Background())
		return err
	}
	// a second Ctrl-C leaves the TUI early; the current step still finishes
	return handle.Wait(context.Background())
}

func runPlain(ctx context.Context, opts execOptions) {
	ec := opts.Context
	state := tui.NewModel(opts.Name, opts.Workflow.Steps(), nil)
	forward := tui.Forward(func(msg tea.Msg) {
		next, _ := state.Update(msg)
		state = next.(tui.Model)
	})
	printer := func(evt engine.Event) error {
		if !opts.JSON {
			printEvent(opts.Out, evt)
		}
		return forward(evt)
	}
	for _, name := range []string{engine.EventProgress, engine.EventWorkflow} {
		defer ec.Subscribe(name, printer).Unsubscribe()
	}

	opts.Workflow.Run(ctx, ec)
	if !opts.JSON {
		fmt.Fprintln(opts.Out, state.View())
	}
}

func printEvent(w io.Writer, evt engine.Event) {
	if evt.Name == engine.EventWorkflow {
		fmt.Fprintf(w, "workflow %s at step %d\n", evt.Status, evt.Cursor)
		return
	}
	label := evt.StepID
	if evt.StepName != "" && evt.StepName != evt.StepID {
		label = fmt.Sprintf("%s (%s)", evt.StepID, evt.StepName)
	}
	switch evt.Status {
	case engine.StatusRetrying, engine.StatusFailed:
		fmt.Fprintf(w, "step %s %s after attempt %d: %s\n", label, evt.Status, evt.Attempt, evt.Error)
	default:
		fmt.Fprintf(w, "step %s %s\n", label, evt.Status)
	}
}

func archiveRun(opts execOptions, final engine.Event, log *logger.Logger) error {
	ctx := context.Background()
	store, err := archive.Open(ctx, opts.ArchivePath, log)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := archive.NewRecord(uuid.NewString(), opts.Name, string(final.Status), opts.Workflow.Len(), opts.Context, time.Now())
	if err != nil {
		return err
	}
	return store.Save(ctx, rec)
}
