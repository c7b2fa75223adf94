package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/youruser/hogsim/internal/archive"
	"github.com/youruser/hogsim/internal/config"
	"github.com/youruser/hogsim/internal/llm"
	"github.com/youruser/hogsim/internal/logging"
	"github.com/youruser/hogsim/internal/session"
	"github.com/youruser/hogsim/internal/state"
	"github.com/youruser/hogsim/internal/store"
)

//go:embed version.txt
var version string

// buildCommit is set via -ldflags or falls back to VCS info from debug.ReadBuildInfo.
var buildCommit string

var log = logging.Get()

var (
	configPath string
	dbPath     string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "hogsim",
	Short: "Hogwarts life simulator core",
	Long: `hogsim runs the chat, state and archival core of the Hogwarts life
simulator. It serves JSON-lines requests on stdin and writes one JSON
response per line on stdout.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if debugMode {
			if err := log.Enable(); err != nil {
				fmt.Fprintf(os.Stderr, "hogsim: %v\n", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		log.Close()
	},
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hogsim %s\n", versionString())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/hogsim/config.json)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file (overrides db_path)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "write a debug log to ~/.hogsim/logs")
	rootCmd.AddCommand(versionCmd)
}

// getBuildCommit returns the short commit hash, resolving from VCS build info if needed.
func getBuildCommit() string {
	if buildCommit != "" {
		return buildCommit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return ""
}

func versionString() string {
	v := strings.TrimSpace(version)
	if commit := getBuildCommit(); commit != "" {
		return v + " (" + commit + ")"
	}
	return v
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	logBuildInfo()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.Info("Store: %s", cfg.DBPath)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(ctx, *cfg, st, llm.NewClient(cfg.ChatURL, cfg.SummarizeURL), cmd.OutOrStdout())
	// Closing stdin unblocks the reader once a signal arrives.
	context.AfterFunc(ctx, func() { _ = os.Stdin.Close() })

	err = a.serve(ctx, os.Stdin)
	a.shutdown()
	return err
}

// newApp wires the session and archival monitor around one store.
func newApp(ctx context.Context, cfg config.Config, st *store.Store, client *llm.Client, out io.Writer) *app {
	a := &app{
		ctx:     ctx,
		cfg:     cfg,
		store:   st,
		out:     out,
		watches: make(map[int64]*store.Subscription),
	}
	a.monitor = archive.New(archive.Options{
		Config:     cfg,
		Store:      st,
		Summarizer: client,
		Notifier:   a,
		Busy:       func() bool { return a.session.IsLoading() },
	})
	a.session = session.New(session.Options{
		Config:   cfg,
		Store:    st,
		Client:   client,
		Applier:  state.NewApplier(st),
		Notifier: a,
		OnIdle:   func(id int64) { a.monitor.Trigger(ctx, id) },
	})
	return a
}

func logBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		log.Info("Build info: unavailable")
		return
	}

	var revision string
	var buildTime string
	var modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.time":
			buildTime = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}

	v := strings.TrimSpace(version)
	if revision != "" {
		v += " " + revision
	}
	if modified == "true" {
		v += " (modified)"
	}

	if buildTime != "" {
		log.Info("Build: %s; go=%s; time=%s", v, runtime.Version(), buildTime)
		return
	}
	log.Info("Build: %s; go=%s", v, runtime.Version())
}
