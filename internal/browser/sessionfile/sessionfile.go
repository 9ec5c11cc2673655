// Package sessionfile records long-lived browser sessions on disk so that
// `beaconcheck watch` can attach to a browser started by `beaconcheck browser start`.
package sessionfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	RunDirEnv         = "BEACONCHECK_RUN_DIR"
	defaultRunDirName = ".beaconcheck"
	sessionDir        = "tmp/browser_sessions"
	sessionExtension  = ".json"
)

// Session describes a browser process listening for DevTools connections.
type Session struct {
	ID         string    `json:"id"`
	WSEndpoint string    `json:"wsEndpoint"`
	PID        int       `json:"pid"`
	Browser    string    `json:"browser,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (s Session) validate(path string) error {
	if s.WSEndpoint == "" {
		return fmt.Errorf("session file %s missing wsEndpoint", path)
	}
	if !strings.HasPrefix(s.WSEndpoint, "ws://") && !strings.HasPrefix(s.WSEndpoint, "wss://") {
		return fmt.Errorf("session file %s has invalid wsEndpoint %q", path, s.WSEndpoint)
	}
	if s.PID <= 0 {
		return fmt.Errorf("session file %s has invalid pid %d", path, s.PID)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("session file %s missing createdAt", path)
	}
	return nil
}

func Path(runDir, sessionID string) string {
	return filepath.Join(runDir, sessionDir, sessionID+sessionExtension)
}

func Read(ctx context.Context, sessionID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}

	runDir, err := resolveRunDir()
	if err != nil {
		return Session{}, err
	}
	return readPath(Path(runDir, sessionID), sessionID)
}

func readPath(path, sessionID string) (Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session file %s: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	if s.ID == "" {
		s.ID = sessionID
	}
	if err := s.validate(path); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Write stores s atomically. CreatedAt is set when empty.
func Write(ctx context.Context, s Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	runDir, err := resolveRunDir()
	if err != nil {
		return err
	}
	path := Path(runDir, s.ID)
	if err := s.validate(path); err != nil {
		return err
	}
	if err := EnsureDir(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session data: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to finalize session file %s: %w", path, err)
	}
	return nil
}

func Remove(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}

	runDir, err := resolveRunDir()
	if err != nil {
		return err
	}

	path := Path(runDir, sessionID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("session file %s not found", path)
		}
		return fmt.Errorf("failed to remove session file %s: %w", path, err)
	}
	return nil
}

// List returns every readable session, oldest first. Unreadable files are skipped.
func List(ctx context.Context) ([]Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	runDir, err := resolveRunDir()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(runDir, sessionDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var sessions []Session
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != sessionExtension {
			continue
		}
		s, err := readPath(filepath.Join(dir, name), strings.TrimSuffix(name, sessionExtension))
		if err != nil {
			continue
		}
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func EnsureDir() error {
	runDir, err := resolveRunDir()
	if err != nil {
		return err
	}

	target := filepath.Join(runDir, sessionDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("failed to create session directory %s: %w", target, err)
	}
	return nil
}

func BaseDir() (string, error) {
	return resolveRunDir()
}

func resolveRunDir() (string, error) {
	if dir := os.Getenv(RunDirEnv); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s %s: %w", RunDirEnv, dir, err)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current working directory: %w", err)
	}
	return filepath.Join(cwd, defaultRunDirName), nil
}
