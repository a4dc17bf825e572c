// bupstash is an encrypted, deduplicating backup tool.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/internal/config"
	"github.com/sogaiu/bupstash/internal/svc"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// app carries the global flags and the loaded configuration to the
// subcommands.
type app struct {
	cfgFile    string
	logLevel   string
	repository string
	key        string

	cfg *config.Config
}

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:   "bupstash",
		Short: "bupstash - encrypted, deduplicating backups",
		Long: `bupstash stores encrypted, deduplicated snapshots of files, directories
and streams in a local or remote repository.

QUICK START:

  # Create a repository and a master key:
  bupstash init /srv/backups
  bupstash new-key ~/.bupstash/master.key

  # Back up a directory and list what is stored:
  export BUPSTASH_REPOSITORY=/srv/backups BUPSTASH_KEY=~/.bupstash/master.key
  bupstash put ~/documents
  bupstash list name=documents

  # Hosts that only back up get a put key; they cannot read anything back:
  bupstash new-put-key ~/.bupstash/put.key

For more help on any command, use: bupstash <command> --help`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error { return a.setup() },
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file path (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVarP(&a.logLevel, "log-level", "l", "", "log level (default from config, else info)")
	rootCmd.PersistentFlags().StringVarP(&a.repository, "repository", "r", "", "repository path or URL (overrides config and "+config.EnvRepository+")")
	rootCmd.PersistentFlags().StringVarP(&a.key, "key", "k", "", "key file (overrides config and "+config.EnvKey+")")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "bupstash %s (%s)\n", Version, Commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(a.newInitCmd())
	rootCmd.AddCommand(a.newKeyCmds()...)
	rootCmd.AddCommand(a.newPutCmd())
	rootCmd.AddCommand(a.newGetCmd())
	rootCmd.AddCommand(a.newListCmd())
	rootCmd.AddCommand(a.newListContentsCmd())
	rootCmd.AddCommand(a.newRemoveCmd())
	rootCmd.AddCommand(a.newRestoreRemovedCmd())
	rootCmd.AddCommand(a.newGCCmd())
	rootCmd.AddCommand(a.newStatsCmd())
	rootCmd.AddCommand(a.newServeCmd())
	rootCmd.AddCommand(a.newServiceCmd())

	return rootCmd
}

// setup loads the configuration and applies the global flags.
func (a *app) setup() error {
	path, optional := a.cfgFile, false
	if path == "" {
		path, optional = config.DefaultPath(), true
	}
	cfg, err := config.Load(path, optional)
	if err != nil {
		return err
	}
	if a.repository != "" {
		cfg.Repository = config.ExpandHome(a.repository)
	}
	if a.key != "" {
		cfg.Key = config.ExpandHome(a.key)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	return nil
}

// logOutput is where log.Logger writes; serve adds shipping targets.
var logOutput io.Writer = os.Stderr

func setupLogging(levelName string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logOutput = zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(logOutput)
}
