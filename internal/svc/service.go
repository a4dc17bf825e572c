// Package svc runs the bupstash server under the platform service manager
// (systemd, launchd or the Windows SCM).
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFlag marks a process started by the service manager.
const RunFlag = "--service-run"

const (
	DefaultName        = "bupstash"
	DefaultDisplayName = "bupstash repository server"
	DefaultDescription = "Serves a bupstash backup repository over SSH and websockets"
)

// RunFunc serves until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start must not block; the server runs in its own goroutine.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return errors.New("no run function configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)
	go func() {
		err := p.Run(ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("server exited")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the server and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Config describes an installed service.
type Config struct {
	Name       string
	ConfigPath string
	UserName   string // Linux and macOS only
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.ConfigPath == "" {
		out.ConfigPath = DefaultConfigPath()
	}
	return &out
}

// DefaultConfigPath is the server configuration used by an installed
// service unless another is given.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "bupstash", "server.yaml")
	}
	return "/etc/bupstash/server.yaml"
}

// serviceConfig builds the service manager entry for goos.
func serviceConfig(cfg *Config, goos string) *service.Config {
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: DefaultDisplayName,
		Description: DefaultDescription,
		Arguments:   []string{RunFlag, "--config", cfg.ConfigPath},
	}
	switch goos {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

func newService(prg *Program, cfg *Config) (service.Service, error) {
	s, err := service.New(prg, serviceConfig(cfg, runtime.GOOS))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install registers the service. An existing service is replaced only
// with force.
func Install(cfg *Config, force bool) error {
	cfg = cfg.withDefaults()
	s, err := newService(&Program{ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", cfg.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *Config) error {
	cfg = cfg.withDefaults()
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends start, stop or restart to the service.
func Control(cfg *Config, action string) error {
	switch action {
	case "start", "stop", "restart":
	default:
		return fmt.Errorf("unknown service action %q", action)
	}
	cfg = cfg.withDefaults()
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status reports whether the service is running.
func Status(cfg *Config) (service.Status, error) {
	cfg = cfg.withDefaults()
	s, err := newService(&Program{}, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands the process to the service manager. It returns when the
// service is stopped.
func Run(prg *Program, cfg *Config) error {
	cfg = cfg.withDefaults()
	prg.ConfigPath = cfg.ConfigPath
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails early when service management cannot succeed.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry RunFlag.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, RunFlag)
}

// ConfigPathFromArgs returns the --config value of a service command line.
func ConfigPathFromArgs(args []string) string {
	for i, arg := range args {
		if (arg == "--config" || arg == "-c") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
