package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sogaiu/bupstash/internal/config"
	"github.com/sogaiu/bupstash/internal/svc"
)

func (a *app) newServiceCmd() *cobra.Command {
	var name string

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage bupstash serve as a system service",
		Long: `Install and control "bupstash serve" as a system service that starts at
boot. Supported service managers are systemd, launchd and the Windows
Service Control Manager.

Examples:
  sudo bupstash service install --config /etc/bupstash/server.yaml --user backup
  sudo bupstash service start
  bupstash service status
  sudo bupstash service logs --follow`,
		// The service commands do not use the client configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(a.logLevel)
			return nil
		},
	}
	serviceCmd.PersistentFlags().StringVarP(&name, "name", "n", svc.DefaultName, "service name")

	var (
		configPath, user string
		force            bool
	)
	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			if configPath == "" {
				configPath = svc.DefaultConfigPath()
			}
			// Refuse to install a service that would fail on start.
			cfg, err := config.Load(configPath, false)
			if err != nil {
				return err
			}
			if err := cfg.Server.Validate(); err != nil {
				return fmt.Errorf("invalid server configuration in %s: %w", configPath, err)
			}
			if err := svc.Install(&svc.Config{Name: name, ConfigPath: configPath, UserName: user}, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "service %q installed; start it with: bupstash service start\n", name)
			return nil
		},
	}
	installCmd.Flags().StringVar(&configPath, "config", "", "server configuration (default "+svc.DefaultConfigPath()+")")
	installCmd.Flags().StringVar(&user, "user", "", "run the service as this user (Linux and macOS)")
	installCmd.Flags().BoolVarP(&force, "force", "f", false, "replace an installed service")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			return svc.Uninstall(&svc.Config{Name: name})
		},
	}

	control := func(action, short string) *cobra.Command {
		return &cobra.Command{
			Use:   action,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(&svc.Config{Name: name}, action)
			},
		}
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the service is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := svc.Status(&svc.Config{Name: name})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, svc.StatusString(status))
			return nil
		},
	}

	var (
		follow bool
		lines  int
	)
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(runtime.GOOS, svc.LogOptions{Name: name, Follow: follow, Lines: lines}, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&lines, "lines", 50, "number of lines to show")

	serviceCmd.AddCommand(
		installCmd,
		uninstallCmd,
		control("start", "Start the service"),
		control("stop", "Stop the service"),
		control("restart", "Restart the service"),
		statusCmd,
		logsCmd,
	)
	return serviceCmd
}

// runAsService is the entry point when the service manager starts the
// process.
func runAsService() {
	setupLogging("info")
	configPath := svc.ConfigPathFromArgs(os.Args[1:])
	log.Info().Str("config", configPath).Msg("starting as service")

	prg := &svc.Program{
		Run: func(ctx context.Context, configPath string) error {
			a := &app{cfgFile: configPath}
			if err := a.setup(); err != nil {
				return err
			}
			return a.serve(ctx)
		},
	}
	if err := svc.Run(prg, &svc.Config{ConfigPath: configPath}); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}
