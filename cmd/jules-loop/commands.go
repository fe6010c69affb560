package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/jules-loop/internal/config"
	"github.com/hochfrequenz/jules-loop/internal/eventlog"
	"github.com/hochfrequenz/jules-loop/internal/ghapi"
	"github.com/hochfrequenz/jules-loop/internal/history"
	"github.com/hochfrequenz/jules-loop/internal/jules"
	"github.com/hochfrequenz/jules-loop/internal/loop"
	"github.com/hochfrequenz/jules-loop/internal/notify"
	"github.com/hochfrequenz/jules-loop/internal/prompt"
	"github.com/hochfrequenz/jules-loop/internal/quota"
	"github.com/hochfrequenz/jules-loop/internal/retry"
	"github.com/hochfrequenz/jules-loop/internal/session"
	"github.com/hochfrequenz/jules-loop/internal/statefile"
	"github.com/hochfrequenz/jules-loop/tui"
)

var (
	logsTail    int
	logsFollow  bool
	historyTail int
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the merge loop until stopped",
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show loop state and quota usage",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent loop events",
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 20, "number of events to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "keep printing new events")
	rootCmd.AddCommand(logsCmd)

	// history command
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show archived session attempts",
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyTail, "tail", "n", 20, "number of attempts to show")
	rootCmd.AddCommand(historyCmd)

	// resume command
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Clear a pause so the loop can run again",
		RunE:  runResume,
	}
	rootCmd.AddCommand(resumeCmd)

	// tui command
	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch TUI dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.ExpandPath(cfg.Loop.StateDir)
	store := statefile.NewStore(stateDir)
	state, err := store.Load()
	if err != nil {
		return err
	}

	log, err := eventlog.Open(stateDir, os.Stdout)
	if err != nil {
		return err
	}
	defer log.Close()

	julesClient := jules.NewClient(cfg.Jules.APIKey)
	githubClient := ghapi.NewClient(cfg.GitHub.Token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var source string
	if cfg.Loop.DryRun {
		log.Info("dry run: skipping credential validation")
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := julesClient.Validate(gctx); err != nil {
				return fmt.Errorf("jules credentials: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			if err := githubClient.ValidateRepo(gctx, cfg.Owner, cfg.RepoName); err != nil {
				return fmt.Errorf("github credentials: %w", err)
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		source, err = julesClient.DiscoverSource(ctx, cfg.Owner, cfg.RepoName)
		if err != nil {
			return err
		}
		log.Info(fmt.Sprintf("validated credentials, using source %s", source))
	}

	selector, err := prompt.NewSelector(cfg.Loop.Prompt, cfg.Pool)
	if err != nil {
		return err
	}

	archive, err := history.Open(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return err
	}
	defer archive.Close()

	controller := &session.Controller{
		Jules:  julesClient,
		GitHub: githubClient,
		Log:    log,
		Store:  store,
		State:  state,
		Retry: retry.Policy{
			MaxAttempts: cfg.Loop.RetryMax,
			BaseDelay:   cfg.RetryBaseDelay(),
		},
		Owner:        cfg.Owner,
		Repo:         cfg.RepoName,
		Branch:       cfg.GitHub.TargetBranch,
		Source:       source,
		PollInterval: cfg.PollInterval(),
		InitialDelay: cfg.PollInitialDelay(),
		Timeout:      cfg.ExecutionTimeout(),
		DryRun:       cfg.Loop.DryRun,
	}

	orchestrator := &loop.Orchestrator{
		Sessions: controller,
		Prompts:  selector,
		Quota:    quota.NewTracker(cfg.Loop.QuotaDailyLimit, store, state),
		Log:      log,
		Store:    store,
		State:    state,
		History:  archive,
		Notify:   buildNotifier(cfg),
	}

	reason, err := orchestrator.Run(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	// Close resources explicitly before exiting with the reason's code;
	// os.Exit skips deferred calls.
	log.Close()
	archive.Close()
	stop()
	os.Exit(reason.ExitCode())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.ExpandPath(cfg.Loop.StateDir)
	state, err := statefile.NewStore(stateDir).Load()
	if err != nil {
		return err
	}

	if state.Paused {
		fmt.Printf("Loop: PAUSED (%s)\n", state.PauseReason)
	} else {
		fmt.Println("Loop: ready")
	}

	if cfg.Loop.QuotaDailyLimit > 0 {
		fmt.Printf("Quota: %d/%d used today (resets at UTC midnight)\n",
			state.QuotaUsed, cfg.Loop.QuotaDailyLimit)
	} else {
		fmt.Printf("Quota: %d sessions started today (no limit)\n", state.QuotaUsed)
	}

	if agent := state.CurrentAgent; agent != nil {
		fmt.Printf("Last session: %s (%s)\n", agent.Name, agent.Status)
		if agent.PRURL != "" {
			fmt.Printf("  PR: %s\n", agent.PRURL)
		}
	}

	archive, err := history.Open(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return err
	}
	defer archive.Close()

	counts, err := archive.CountByStatus()
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Printf("All time: %d merged | %d timed out | %d failed\n",
			counts["merged"], counts["timed_out"], counts["failed"])
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.ExpandPath(cfg.Loop.StateDir)
	path := eventlog.Path(stateDir)

	entries, err := eventlog.ReadTail(path, logsTail)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		fmt.Println(eventlog.FormatConsole(entry, time.Now()))
	}

	if !logsFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return eventlog.Follow(ctx, path, func(entry eventlog.Entry) {
		fmt.Println(eventlog.FormatConsole(entry, time.Now()))
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.ExpandPath(cfg.Loop.StateDir)
	archive, err := history.Open(filepath.Join(stateDir, "history.db"))
	if err != nil {
		return err
	}
	defer archive.Close()

	records, err := archive.Recent(historyTail)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No archived sessions yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSESSION\tSTATUS\tPR")
	for _, rec := range records {
		pr := rec.PRURL
		if pr == "" {
			pr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			rec.StartedAt.UTC().Format("2006-01-02 15:04"), rec.SessionName, rec.Status, pr)
	}
	w.Flush()
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.ExpandPath(cfg.Loop.StateDir)
	store := statefile.NewStore(stateDir)
	state, err := store.Load()
	if err != nil {
		return err
	}

	if !state.Paused {
		fmt.Println("Loop is not paused")
		return nil
	}

	reason := state.PauseReason
	state.Paused = false
	state.PauseReason = ""
	if err := store.Save(state); err != nil {
		return err
	}
	fmt.Printf("Cleared pause: %s\n", reason)
	return nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateDir := config.ExpandPath(cfg.Loop.StateDir)
	model := tui.NewModel(tui.ModelConfig{
		StateDir:   stateDir,
		Repo:       cfg.GitHub.Repo,
		QuotaLimit: cfg.Loop.QuotaDailyLimit,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
