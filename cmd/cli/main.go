package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kurihiro0119/octomirror/internal/aggregator"
	"github.com/kurihiro0119/octomirror/internal/auditlog"
	"github.com/kurihiro0119/octomirror/internal/broker"
	"github.com/kurihiro0119/octomirror/internal/config"
	"github.com/kurihiro0119/octomirror/internal/dispatcher"
	"github.com/kurihiro0119/octomirror/internal/domain"
	"github.com/kurihiro0119/octomirror/internal/mirror"
	"github.com/kurihiro0119/octomirror/internal/reconcile"
	"github.com/kurihiro0119/octomirror/internal/replicator"
	"github.com/kurihiro0119/octomirror/internal/storage"
	"github.com/kurihiro0119/octomirror/internal/storage/factory"
	"github.com/kurihiro0119/octomirror/pkg/client"
)

var (
	cfgFile    string
	remote     bool
	authHeader string
	runLimit   int
)

var rootCmd = &cobra.Command{
	Use:   "octomirror",
	Short: "Replicate GitHub organizations to GitHub Enterprise Server",
	Long: `A CLI tool that replicates organizations, repositories, teams, team
membership and custom repository roles from GitHub to a GitHub Enterprise
Server instance, driven by the enterprise audit log.

Repository content is mirrored with git.`,
	SilenceUsage: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap every installable organization",
	Long:  `Create every organization the app can be installed on, with its repositories, custom roles and teams.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var syncCmd = &cobra.Command{
	Use:   "sync [since]",
	Short: "Replay audit log events",
	Long:  `Replay every audit log event created at or after since (RFC3339 or YYYY-MM-DD, UTC).`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the destination teams of every organization",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var retryMirrorsCmd = &cobra.Command{
	Use:   "retry-mirrors",
	Short: "Mirror again the repositories whose last mirror failed",
	Args:  cobra.NoArgs,
	RunE:  runRetryMirrors,
}

var orgsCmd = &cobra.Command{
	Use:   "orgs",
	Short: "List installable organizations",
	Args:  cobra.NoArgs,
	RunE:  runOrgs,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent runs and pending mirror failures",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, optional)")

	statusCmd.Flags().BoolVar(&remote, "remote", false, "read the status from the API server")
	statusCmd.Flags().IntVar(&runLimit, "limit", 10, "number of runs to show")
	orgsCmd.Flags().BoolVar(&remote, "remote", false, "read the organizations from the API server")
	rootCmd.PersistentFlags().StringVar(&authHeader, "auth", "", "Authorization header for the API server")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(retryMirrorsCmd)
	rootCmd.AddCommand(orgsCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// parseSince accepts RFC3339 timestamps and bare dates, both read as UTC
func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: use RFC3339 or YYYY-MM-DD", s)
}

// app holds everything a replication command needs
type app struct {
	cfg        *config.Config
	store      storage.Storage
	broker     *broker.Broker
	replicator *replicator.Replicator
	logger     *slog.Logger
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	key, err := cfg.PrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := factory.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	a := &app{cfg: cfg, store: store, logger: logger}

	b, err := broker.New(cfg, key, broker.Options{Logger: logger})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create credential broker: %w", err)
	}
	if err := b.Initialize(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize credential broker: %w", err)
	}
	a.broker = b

	m := mirror.New(cfg.WorkingDir, mirror.GitRunner{}, cfg.GitTimeout, logger)
	repos := reconcile.NewRepositories(b, m, store, logger)
	roles := reconcile.NewRoles(b, logger)
	teams := reconcile.NewTeams(b, reconcile.TeamOptions{
		Owner:            cfg.GHESOwner,
		ParentRetryLimit: cfg.ParentTeamRetryLimit,
		ParentRetryDelay: cfg.ParentTeamRetryDelay,
		Logger:           logger,
	})
	orgs := reconcile.NewOrganizations(b, repos, roles, teams, cfg.GHESOwner, logger)

	d := dispatcher.New(dispatcher.Reconcilers{
		Organizations: orgs,
		Repositories:  repos,
		Teams:         teams,
		Roles:         roles,
	}, dispatcher.Options{
		Timeout: cfg.EventTimeout,
		Journal: store,
		Logger:  logger,
	})

	a.replicator = replicator.New(replicator.Options{
		Broker:        b,
		AuditLog:      auditlog.NewReader(logger),
		Organizations: orgs,
		Mirrors:       repos,
		Dispatcher:    d,
		Journal:       store,
		Logger:        logger,
	})
	return a, nil
}

func runMode(cmd *cobra.Command, run func(ctx context.Context, r *replicator.Replicator) (*domain.SyncRun, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := run(ctx, a.replicator)
	if result != nil {
		printRun(result)
	}
	return err
}

func runInit(cmd *cobra.Command, args []string) error {
	return runMode(cmd, func(ctx context.Context, r *replicator.Replicator) (*domain.SyncRun, error) {
		return r.Init(ctx)
	})
}

func runSync(cmd *cobra.Command, args []string) error {
	since, err := parseSince(args[0])
	if err != nil {
		return err
	}
	return runMode(cmd, func(ctx context.Context, r *replicator.Replicator) (*domain.SyncRun, error) {
		return r.Sync(ctx, since)
	})
}

func runReset(cmd *cobra.Command, args []string) error {
	return runMode(cmd, func(ctx context.Context, r *replicator.Replicator) (*domain.SyncRun, error) {
		return r.Reset(ctx)
	})
}

func runRetryMirrors(cmd *cobra.Command, args []string) error {
	return runMode(cmd, func(ctx context.Context, r *replicator.Replicator) (*domain.SyncRun, error) {
		return r.RetryMirrors(ctx)
	})
}

func printRun(run *domain.SyncRun) {
	fmt.Printf("\nRun %s (%s)\n\n", run.ID, run.Mode)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Status", "Events", "Failures", "Duration"})
	duration := "-"
	if run.EndedAt != nil {
		duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
	}
	table.Append([]string{string(run.Status), fmt.Sprintf("%d", run.Events), fmt.Sprintf("%d", run.Failures), duration})
	table.Render()
}

func runOrgs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var orgs []string

	if remote {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		orgs, err = client.NewClient(cfg.APIEndpoint).WithAuthorization(authHeader).InstallableOrganizations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list organizations: %w", err)
		}
	} else {
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		orgs, err = a.broker.InstallableOrganizations(ctx)
		if err != nil {
			return fmt.Errorf("failed to list organizations: %w", err)
		}
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Organization"})
	for i, org := range orgs {
		table.Append([]string{fmt.Sprintf("%d", i+1), org})
	}
	table.Render()
	return nil
}

// statusSource is what status reads, either the local journal or the API
type statusSource interface {
	GetRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error)
	GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error)
	GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error)
}

type localStatus struct {
	agg aggregator.Aggregator
}

func (l localStatus) GetRuns(ctx context.Context, limit int) ([]*domain.SyncRun, error) {
	return l.agg.RecentRuns(ctx, limit)
}

func (l localStatus) GetRunSummary(ctx context.Context, runID string) (*domain.RunSummary, error) {
	return l.agg.SummarizeRun(ctx, runID)
}

func (l localStatus) GetMirrorFailures(ctx context.Context) ([]*domain.MirrorFailure, error) {
	return l.agg.PendingMirrors(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var src statusSource
	if remote {
		src = client.NewClient(cfg.APIEndpoint).WithAuthorization(authHeader)
	} else {
		if err := cfg.ValidateStorage(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		store, err := factory.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()
		src = localStatus{agg: aggregator.NewAggregator(store)}
	}

	runs, err := src.GetRuns(ctx, runLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	fmt.Printf("\nRecent runs\n\n")
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Mode", "Since", "Status", "Events", "Failures", "Started"})
	for _, run := range runs {
		since := "-"
		if run.Since != nil {
			since = run.Since.Format(time.RFC3339)
		}
		table.Append([]string{
			run.ID,
			string(run.Mode),
			since,
			string(run.Status),
			fmt.Sprintf("%d", run.Events),
			fmt.Sprintf("%d", run.Failures),
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()

	if len(runs) > 0 {
		summary, err := src.GetRunSummary(ctx, runs[0].ID)
		if err != nil {
			return fmt.Errorf("failed to summarize run %s: %w", runs[0].ID, err)
		}
		printSummary(summary)
	}

	failures, err := src.GetMirrorFailures(ctx)
	if err != nil {
		return fmt.Errorf("failed to list mirror failures: %w", err)
	}

	fmt.Printf("\nPending mirror failures\n\n")
	table = tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Repository", "Attempts", "Last error", "Updated"})
	for _, f := range failures {
		table.Append([]string{
			f.Org + "/" + f.Repo,
			fmt.Sprintf("%d", f.Attempts),
			truncate(f.Error, 60),
			f.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
	return nil
}

func printSummary(summary *domain.RunSummary) {
	fmt.Printf("\nLatest run %s by domain\n\n", summary.Run.ID)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Domain", "Applied", "Ignored", "Rejected", "Failed"})
	for _, d := range summary.Domains {
		table.Append(countsRow(string(d.Domain), d.OutcomeCounts))
	}
	table.SetFooter(countsRow("Total", summary.Totals))
	table.Render()

	for _, p := range summary.Problems {
		fmt.Printf("  %s %s %s/%s: %s\n", p.Status, p.Action, p.Org, p.Subject, p.Error)
	}
}

func countsRow(label string, c domain.OutcomeCounts) []string {
	return []string{
		label,
		fmt.Sprintf("%d", c.Applied),
		fmt.Sprintf("%d", c.Ignored),
		fmt.Sprintf("%d", c.Rejected),
		fmt.Sprintf("%d", c.Failed),
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
