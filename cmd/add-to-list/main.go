package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/listmirror/internal/atproto"
	"github.com/agentworkforce/listmirror/internal/config"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/listsync"
	"github.com/agentworkforce/listmirror/internal/logging"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	errUsage        = errors.New("usage")
	errUnknownLabel = errors.New("unknown label")
)

// Adder adds one subject to one configured list.
type Adder interface {
	Add(ctx context.Context, label, subject string) (listsync.Outcome, error)
}

type rootOptions struct {
	loadConfig func() (config.Config, error)
	connect    func(ctx context.Context, cfg config.Config, registry *lists.Registry, logger *zap.Logger) (Adder, error)
	timeout    time.Duration
}

func main() {
	cmd := newRootCommand(&rootOptions{
		loadConfig: func() (config.Config, error) { return config.Load() },
		connect:    connectMutator,
	})
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, errUnknownLabel) && !errors.Is(err, errUsage) {
			color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	if opts.timeout <= 0 {
		opts.timeout = time.Minute
	}
	cmd := &cobra.Command{
		Use:   "add-to-list <did> <label>",
		Short: "Add one DID to the list configured for a label",
		Long: `Authenticate as the list owner and add a DID to the moderation list
mapped to the given label, using the same record keys as the listmirror service.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				problem := fmt.Sprintf("expected a DID and a label, got %d argument(s)", len(args))
				printUsage(cmd.ErrOrStderr(), problem, availableLabels(opts))
				return errUsage
			}
			return runAdd(cmd, opts, strings.TrimSpace(args[0]), strings.TrimSpace(args[1]))
		},
	}
	return cmd
}

func runAdd(cmd *cobra.Command, opts *rootOptions, subject, label string) error {
	cfg, err := opts.loadConfig()
	if err := requireCredentials(cfg, err); err != nil {
		return err
	}
	registry, err := lists.Build(cfg.ListsFile, cfg.Lists)
	if err != nil {
		return fmt.Errorf("load lists: %w", err)
	}
	if _, ok := registry.Lookup(label); !ok {
		printUsage(cmd.ErrOrStderr(), fmt.Sprintf("unknown label %q", label), registry.Labels())
		return errUnknownLabel
	}
	if !strings.HasPrefix(subject, "did:") {
		return fmt.Errorf("subject %q is not a DID", subject)
	}

	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()
	adder, err := opts.connect(ctx, cfg, registry, logger)
	if err != nil {
		return err
	}
	outcome, err := adder.Add(ctx, label, subject)
	if err != nil {
		return fmt.Errorf("add %s to %s: %w", subject, label, err)
	}
	out := cmd.OutOrStdout()
	switch outcome {
	case listsync.OutcomeAdded:
		color.New(color.FgGreen).Fprintf(out, "added %s to %s\n", subject, label)
	case listsync.OutcomeAlreadyMember:
		color.New(color.FgYellow).Fprintf(out, "%s is already on %s\n", subject, label)
	default:
		fmt.Fprintf(out, "%s: %s\n", label, outcome)
	}
	return nil
}

// requireCredentials accepts a config whose only gap is the stream URL, which this command never dials.
func requireCredentials(cfg config.Config, err error) error {
	if err == nil {
		return nil
	}
	var missing *config.MissingError
	if !errors.As(err, &missing) {
		return err
	}
	var fields []string
	for _, field := range missing.Fields {
		if field != "WSS_URL" {
			fields = append(fields, field)
		}
	}
	if len(fields) > 0 {
		return &config.MissingError{Fields: fields}
	}
	return nil
}

// availableLabels lists the configured labels, or none when the registry cannot be built.
func availableLabels(opts *rootOptions) []string {
	cfg, _ := opts.loadConfig()
	registry, err := lists.Build(cfg.ListsFile, cfg.Lists)
	if err != nil {
		return nil
	}
	return registry.Labels()
}

func printUsage(w io.Writer, problem string, available []string) {
	color.New(color.FgRed).Fprintf(w, "%s\n\n", problem)
	fmt.Fprintln(w, "usage: add-to-list <did> <label>")
	if len(available) == 0 {
		fmt.Fprintln(w, "no lists are configured (set LISTS or LISTS_FILE)")
		return
	}
	fmt.Fprintln(w, "available labels:")
	for _, l := range available {
		fmt.Fprintf(w, "  %s\n", color.New(color.FgCyan).Sprint(l))
	}
}

func connectMutator(ctx context.Context, cfg config.Config, registry *lists.Registry, logger *zap.Logger) (Adder, error) {
	repo := atproto.NewClient(atproto.ClientOptions{
		Host:       cfg.PDS,
		Identifier: cfg.Handle,
		Password:   cfg.Password,
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		UserAgent:  "listmirror-add-to-list/1.0",
	})
	if err := repo.Login(ctx); err != nil {
		return nil, fmt.Errorf("login to %s: %w", cfg.PDS, err)
	}
	mutator, err := listsync.NewMutator(listsync.MutatorOptions{
		Repository: repo,
		Registry:   registry,
		Owner:      cfg.DID,
		Limiter:    listsync.NewLimiter(1, 0, 0),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return mutator, nil
}
