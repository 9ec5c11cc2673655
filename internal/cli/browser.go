package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/omnicloud/beaconcheck/internal/browser/pw"
	"github.com/omnicloud/beaconcheck/internal/browser/sessionfile"
)

const (
	defaultDebugPort    = 9222
	browserReadyTimeout = 20 * time.Second
)

type browserStartOptions struct {
	session  string
	port     int
	headless bool
	url      string
	install  bool
}

// NewBrowserCmd creates the browser command group
func NewBrowserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browser",
		Short: "Manage a long-lived browser for beaconcheck watch",
		Long: `Start a playwright-managed Chromium with a DevTools port open, record it as a
named session and stop it again. 'beaconcheck watch --session <id>' attaches to it.`,
	}

	cmd.AddCommand(newBrowserStartCmd(), newBrowserStopCmd(), newBrowserListCmd())
	return cmd
}

func newBrowserStartCmd() *cobra.Command {
	opts := &browserStartOptions{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a Chromium with remote debugging enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := startBrowser(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Browser session %q started (pid %d) at %s\n", s.ID, s.PID, s.WSEndpoint)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.session, "session", "default", "Session id")
	cmd.Flags().IntVar(&opts.port, "port", defaultDebugPort, "Remote debugging port")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Run without a window")
	cmd.Flags().StringVar(&opts.url, "url", "about:blank", "Page to open")
	cmd.Flags().BoolVar(&opts.install, "install", false, "Install the playwright Chromium build first")
	return cmd
}

func newBrowserStopCmd() *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a browser started with 'browser start'",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopBrowser(cmd.Context(), session); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Browser session %q stopped\n", session)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "default", "Session id")
	return cmd
}

func newBrowserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recorded browser sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := sessionfile.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No browser sessions")
				return nil
			}
			for _, s := range sessions {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tpid %d\t%s\t%s\n", s.ID, s.PID, s.WSEndpoint, s.CreatedAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func chromiumArgs(opts *browserStartOptions, profileDir string) []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(opts.port),
		"--user-data-dir=" + profileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if opts.headless {
		args = append(args, "--headless=new")
	}
	return append(args, opts.url)
}

func startBrowser(ctx context.Context, opts *browserStartOptions) (sessionfile.Session, error) {
	if opts.session == "" {
		return sessionfile.Session{}, errors.New("session id is required")
	}
	if existing, err := sessionfile.Read(ctx, opts.session); err == nil {
		return sessionfile.Session{}, fmt.Errorf("browser session %q is already running (pid %d); stop it first", opts.session, existing.PID)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(opts.port))
	if conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond); err == nil {
		_ = conn.Close()
		return sessionfile.Session{}, fmt.Errorf("port %d is already in use", opts.port)
	}

	path, err := pw.ChromiumExecutable(opts.install)
	if err != nil {
		return sessionfile.Session{}, err
	}

	if err := sessionfile.EnsureDir(); err != nil {
		return sessionfile.Session{}, err
	}
	base, err := sessionfile.BaseDir()
	if err != nil {
		return sessionfile.Session{}, err
	}
	profileDir := filepath.Join(base, "profiles", opts.session)
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return sessionfile.Session{}, fmt.Errorf("failed to create profile directory: %w", err)
	}
	logFile, err := os.Create(filepath.Join(base, "tmp", opts.session+".log"))
	if err != nil {
		return sessionfile.Session{}, fmt.Errorf("failed to create browser log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	cmd := exec.Command(path, chromiumArgs(opts, profileDir)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	detachProcess(cmd)

	Logger.Debug("starting chromium", "path", path, "args", cmd.Args)
	if err := cmd.Start(); err != nil {
		return sessionfile.Session{}, fmt.Errorf("failed to start chromium: %w", err)
	}
	pid := cmd.Process.Pid

	if err := waitForPort(ctx, addr, browserReadyTimeout); err != nil {
		_ = terminateProcess(pid)
		return sessionfile.Session{}, fmt.Errorf("chromium did not open its debugging port: %w", err)
	}
	_ = cmd.Process.Release()

	s := sessionfile.Session{
		ID:         opts.session,
		WSEndpoint: "ws://" + addr,
		PID:        pid,
		Browser:    "chromium",
	}
	if err := sessionfile.Write(ctx, s); err != nil {
		_ = terminateProcess(pid)
		return sessionfile.Session{}, err
	}
	Logger.Info("browser session started", "session", s.ID, "pid", pid, "ws", s.WSEndpoint)
	return sessionfile.Read(ctx, opts.session)
}

func stopBrowser(ctx context.Context, session string) error {
	s, err := sessionfile.Read(ctx, session)
	if err != nil {
		return err
	}

	if err := terminateProcess(s.PID); err != nil {
		Logger.Warn("failed to terminate browser", "session", session, "pid", s.PID, "error", err)
	}
	return sessionfile.Remove(ctx, session)
}

func waitForPort(ctx context.Context, addr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
