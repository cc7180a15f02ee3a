package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-sterilization-trace/internal/app"
)

var stderrWriter io.Writer = os.Stderr

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	Instrument string
	Batch      string
	Cycle      string
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import ledger history into the local store",
		Long: `Import ledger-committed transitions that the local store is missing.

Exactly one scope is required. Events already mirrored are skipped, so the
command can be repeated safely.

Examples:
  tracectl backfill --instrument M1
  tracectl backfill --batch LOTE-42
  tracectl backfill --cycle 7f1c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Instrument, "instrument", "", "instrument id")
	cmd.Flags().StringVar(&opts.Batch, "batch", "", "batch id")
	cmd.Flags().StringVar(&opts.Cycle, "cycle", "", "cycle id")
	cmd.MarkFlagsMutuallyExclusive("instrument", "batch", "cycle")
	cmd.MarkFlagsOneRequired("instrument", "batch", "cycle")

	return cmd
}

func runBackfill(cmd *cobra.Command, opts *BackfillOptions) error {
	return run(cmd, opts.RootOptions, func(ctx context.Context, svc *app.Services) (interface{}, error) {
		switch {
		case opts.Instrument != "":
			return svc.Reconcile.BackfillInstrument(ctx, opts.Instrument)
		case opts.Batch != "":
			return svc.Reconcile.BackfillBatch(ctx, opts.Batch)
		case opts.Cycle != "":
			return svc.Reconcile.BackfillCycle(ctx, opts.Cycle)
		}
		return nil, fmt.Errorf("one of --instrument, --batch or --cycle is required")
	})
}

// InstrumentOptions holds flags for commands scoped to one instrument.
type InstrumentOptions struct {
	*RootOptions
	Instrument string
}

func instrumentCommand(rootOpts *RootOptions, use, short, long string,
	fn func(ctx context.Context, svc *app.Services, instrumentID string) (interface{}, error)) *cobra.Command {
	opts := &InstrumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts.RootOptions, func(ctx context.Context, svc *app.Services) (interface{}, error) {
				return fn(ctx, svc, opts.Instrument)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Instrument, "instrument", "", "instrument id (required)")
	_ = cmd.MarkFlagRequired("instrument")
	return cmd
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	return instrumentCommand(rootOpts, "diff", "Compare local and ledger timelines",
		`Report stage events present on only one side, keyed by stage and timestamp.
Nothing is written.`,
		func(ctx context.Context, svc *app.Services, id string) (interface{}, error) {
			return svc.Reconcile.Diff(ctx, id)
		})
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return instrumentCommand(rootOpts, "reconcile", "Insert ledger events missing locally",
		`Insert every ledger event the local store lacks and recompute the
instrument's reprocess counter. Local-only events are left untouched.`,
		func(ctx context.Context, svc *app.Services, id string) (interface{}, error) {
			return svc.Reconcile.ApplyReconcile(ctx, id)
		})
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return instrumentCommand(rootOpts, "history", "Print an instrument's stage events",
		`Print the local stage events of an instrument, backfilling from the ledger
first when none are recorded.`,
		func(ctx context.Context, svc *app.Services, id string) (interface{}, error) {
			return svc.Reconcile.HistoryForInstrument(ctx, id)
		})
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one storage expiry sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rootOpts, func(ctx context.Context, svc *app.Services) (interface{}, error) {
				return svc.Sweeper.RunOnce(ctx)
			})
		},
	}
}
