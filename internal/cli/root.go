// Package cli implements tracectl, the operator tool for backfill,
// reconciliation and sweeps.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-sterilization-trace/internal/app"
	"github.com/pesio-ai/be-sterilization-trace/internal/config"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitCommandError = 2
)

// Connector builds the service graph a command runs against. The returned
// func releases it.
type Connector func(ctx context.Context, opts *RootOptions) (*app.Services, func() error, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFile  string
	LogLevel string
	Compact  bool

	connect Connector
}

// NewRootCommand creates the tracectl root command. A nil connector uses the
// configured store and ledger.
func NewRootCommand(connect Connector) *cobra.Command {
	if connect == nil {
		connect = connectFromConfig
	}
	opts := &RootOptions{connect: connect}

	cmd := &cobra.Command{
		Use:   "tracectl",
		Short: "Sterilization trace operations",
		Long: `Operate on the ledger/local-store pair of the sterilization trace service.

Every command prints JSON to stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the environment")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "warn", "log level written to stderr")
	cmd.PersistentFlags().BoolVar(&opts.Compact, "compact", false, "print JSON without indentation")

	cmd.AddCommand(NewBackfillCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

func connectFromConfig(ctx context.Context, opts *RootOptions) (*app.Services, func() error, error) {
	cfg, err := config.Load(opts.EnvFile)
	if err != nil {
		return nil, nil, err
	}
	log := logger.New(logger.Config{
		Level:       opts.LogLevel,
		ServiceName: "tracectl",
		Output:      stderrWriter,
	})
	rt, err := app.Bootstrap(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return rt.Services, rt.Close, nil
}

// run connects, invokes fn and prints its result.
func run(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, svc *app.Services) (interface{}, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, release, err := opts.connect(ctx, opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect", err)
	}
	defer release()

	out, err := fn(ctx, svc)
	if err != nil {
		return WrapExitError(ExitFailure, cmd.Name()+" failed", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !opts.Compact {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(out); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	return nil
}

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if exitErr, ok := err.(*ExitError); ok {
		return exitErr.Code
	}
	return ExitFailure
}
