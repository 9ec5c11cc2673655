//go:build e2e

package scenario

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omnicloud/beaconcheck/internal/browser/pw"
)

func TestStorefrontLive(t *testing.T) {
	cfg := DefaultStorefrontConfig()
	if cfg.Password == "" {
		t.Skipf("%s not set", PasswordEnv)
	}

	rt, err := pw.Launch(pw.LaunchOptions{
		Headless: os.Getenv("BEACONCHECK_HEADED") == "",
		Install:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	page, err := rt.NewPage()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resolutions, err := RunStorefront(ctx, page, cfg)
	require.NoError(t, err)
	require.Len(t, resolutions, 3)
}
