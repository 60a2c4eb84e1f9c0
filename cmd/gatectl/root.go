package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"sharegate/internal/ctl"
	"sharegate/internal/server/config"
	"sharegate/internal/server/database"
	"sharegate/internal/server/ledger"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	ledgerBackend string
	ledgerPath    string
	databaseURL   string
	output        string
	verbose       bool
}

// session is an opened ledger plus everything needed to print from it.
type session struct {
	cfg       *config.Config
	inspector *ctl.Inspector
	close     func()
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Inspect the sharegate object ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.ledgerBackend, "ledger-backend", "", "ledger backend: file, sqlite or postgres (default from config)")
	root.PersistentFlags().StringVar(&opts.ledgerPath, "ledger-path", "", "ledger file or sqlite database path (default from config)")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "postgres connection URL (default from config)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log backend activity to stderr")

	root.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every object in the ledger",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSession(cmd, opts, func(s *session) error {
					return s.inspector.List()
				})
			},
		},
		&cobra.Command{
			Use:   "usage <identity>",
			Short: "Show one identity's storage usage against the ceiling",
			RunE: func(cmd *cobra.Command, args []string) error {
				identity, err := ctl.ParseIdentity(args)
				if err != nil {
					return err
				}
				return withSession(cmd, opts, func(s *session) error {
					return s.inspector.Usage(identity, s.cfg.StorageCeiling)
				})
			},
		},
		&cobra.Command{
			Use:   "expired",
			Short: "List objects whose retention has elapsed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withSession(cmd, opts, func(s *session) error {
					return s.inspector.Expired(time.Now())
				})
			},
		},
	)

	return root
}

func withSession(cmd *cobra.Command, opts *rootOptions, fn func(*session) error) error {
	s, err := openSession(cmd.Context(), cmd.OutOrStdout(), opts)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

func openSession(ctx context.Context, out io.Writer, opts *rootOptions) (*session, error) {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	format, err := ctl.ParseFormat(opts.output)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.ledgerBackend != "" {
		cfg.LedgerBackend = opts.ledgerBackend
	}
	if opts.ledgerPath != "" {
		cfg.LedgerPath = opts.ledgerPath
	}
	if opts.databaseURL != "" {
		cfg.DatabaseURL = opts.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := database.OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	l := ledger.Open(ctx, backend.Persister)

	return &session{
		cfg:       cfg,
		inspector: ctl.NewInspector(l, out, format),
		close: func() {
			l.Close()
			backend.Release()
		},
	}, nil
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
