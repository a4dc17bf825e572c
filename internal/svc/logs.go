package svc

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
)

// LogOptions selects which service logs to show.
type LogOptions struct {
	Name   string
	Follow bool
	Lines  int
}

// ViewLogs runs the platform's log viewer for the service, writing to
// stdout and stderr.
func ViewLogs(goos string, opts LogOptions, stdout, stderr io.Writer) error {
	args, err := logCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// logCommand returns the viewer command line for goos.
func logCommand(goos string, opts LogOptions) ([]string, error) {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	lines := strconv.Itoa(opts.Lines)

	switch goos {
	case "linux":
		args := []string{"journalctl", "-u", opts.Name, "-n", lines, "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return args, nil
	case "darwin":
		// launchd writes service output to files under /var/log.
		args := []string{"tail", "-n", lines}
		if opts.Follow {
			args = append(args, "-f")
		}
		return append(args, "/var/log/"+opts.Name+".out.log", "/var/log/"+opts.Name+".err.log"), nil
	case "windows":
		if opts.Follow {
			return nil, fmt.Errorf("following logs is not supported on windows; use Event Viewer")
		}
		script := fmt.Sprintf(
			"Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d -ErrorAction SilentlyContinue | Format-Table TimeCreated, LevelDisplayName, Message -AutoSize -Wrap",
			opts.Name, opts.Lines)
		return []string{"powershell", "-NoProfile", "-Command", script}, nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}
