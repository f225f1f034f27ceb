package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"DiffBuddy/internal/app"
	"DiffBuddy/internal/config"
	"DiffBuddy/internal/domain"
	"DiffBuddy/internal/logging"
)

// closeTimeout bounds how long the CLI waits for background generations on exit.
const closeTimeout = 30 * time.Second

// Backend is the part of the application the commands drive.
type Backend interface {
	Generate(ctx context.Context, key domain.Key, wait bool) (domain.Result, error)
	Poll(ctx context.Context, key domain.Key) (domain.Result, error)
	Close(ctx context.Context) error
}

// OpenFunc builds a backend; logs go to stderr.
type OpenFunc func(ctx context.Context, stderr io.Writer) (Backend, error)

// NewRootCommand creates the diffbuddy command backed by the configured application.
func NewRootCommand() *cobra.Command {
	return newRootCommand(openApplication)
}

func newRootCommand(open OpenFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diffbuddy",
		Short: "Summaries of pull request diffs",
		Long: `diffbuddy generates and caches provider summaries of pull request diffs.

Each pull request has at most one generation in flight, across processes
sharing the same database. Results are printed as JSON.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newGenerateCommand(open))
	cmd.AddCommand(newStatusCommand(open))
	return cmd
}

func newGenerateCommand(open OpenFunc) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "generate <owner>/<repo> <number>",
		Short: "Generate or fetch the summary for a pull request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ParseKey(args[0], args[1])
			if err != nil {
				return err
			}
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				res, err := b.Generate(ctx, key, wait)
				if res.Status != "" {
					if werr := writeResult(cmd.OutOrStdout(), res); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "block until the summary is ready or has failed")
	return cmd
}

func newStatusCommand(open OpenFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status <owner>/<repo> <number>",
		Short: "Show the stored status for a pull request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := ParseKey(args[0], args[1])
			if err != nil {
				return err
			}
			return withBackend(cmd, open, func(ctx context.Context, b Backend) error {
				res, err := b.Poll(ctx, key)
				if err != nil {
					return err
				}
				return writeResult(cmd.OutOrStdout(), res)
			})
		},
	}
}

func withBackend(cmd *cobra.Command, open OpenFunc, fn func(context.Context, Backend) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	backend, err := open(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := backend.Close(closeCtx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	return fn(ctx, backend)
}

// ParseKey turns "owner/repo" and a pull request number into a key.
func ParseKey(repo, number string) (domain.Key, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return domain.Key{}, fmt.Errorf("repository must be <owner>/<repo>, got %q", repo)
	}
	n, err := strconv.Atoi(number)
	if err != nil || n <= 0 {
		return domain.Key{}, fmt.Errorf("pull request number must be a positive integer, got %q", number)
	}
	return domain.Key{Source: owner, Collection: name, Number: n}, nil
}

func writeResult(w io.Writer, res domain.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func openApplication(ctx context.Context, stderr io.Writer) (Backend, error) {
	cfg := config.Load()
	logger := logging.NewWithWriter(stderr, cfg.Logging.Level)
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return application, nil
}
