package pw

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

const defaultLaunchTimeout = 45 * time.Second

// LaunchOptions configures Launch.
type LaunchOptions struct {
	Browser string // chromium, firefox or webkit
	Headless bool
	SlowMo   time.Duration
	Args     []string
	Timeout  time.Duration
	// Install downloads the driver and browser before launching.
	Install bool
}

// Runtime owns a playwright driver and one browser.
type Runtime struct {
	PW      *playwright.Playwright
	Browser playwright.Browser
}

// Launch starts the playwright driver and a browser.
func Launch(opts LaunchOptions) (*Runtime, error) {
	name, err := browserName(opts.Browser)
	if err != nil {
		return nil, err
	}

	if opts.Install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{name}}); err != nil {
			return nil, fmt.Errorf("failed to install playwright %s: %w", name, err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	var bt playwright.BrowserType
	switch name {
	case "firefox":
		bt = pw.Firefox
	case "webkit":
		bt = pw.WebKit
	default:
		bt = pw.Chromium
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}

	browser, err := bt.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(opts.Headless),
		SlowMo:   playwright.Float(float64(opts.SlowMo.Milliseconds())),
		Args:     opts.Args,
		Timeout:  playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("failed to launch %s: %w", name, err)
	}

	return &Runtime{PW: pw, Browser: browser}, nil
}

// NewPage opens a page in a fresh context.
func (r *Runtime) NewPage() (playwright.Page, error) {
	page, err := r.Browser.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return page, nil
}

// Close shuts down the browser and the driver.
func (r *Runtime) Close() error {
	var errs []error
	if r.Browser != nil {
		if err := r.Browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if r.PW != nil {
		if err := r.PW.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}
	return errors.Join(errs...)
}

func browserName(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return "chromium", nil
	case "chromium", "firefox", "webkit":
		return name, nil
	default:
		return "", fmt.Errorf("unsupported browser %q: use chromium, firefox or webkit", raw)
	}
}

// ChromiumExecutable returns the path of the Chromium build playwright manages,
// installing it first when install is set.
func ChromiumExecutable(install bool) (string, error) {
	if install {
		if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
			return "", fmt.Errorf("failed to install playwright chromium: %w", err)
		}
	}

	pw, err := playwright.Run()
	if err != nil {
		return "", fmt.Errorf("failed to start playwright: %w", err)
	}
	defer func() { _ = pw.Stop() }()

	path := pw.Chromium.ExecutablePath()
	if path == "" {
		return "", errors.New("playwright did not report a chromium executable")
	}
	return path, nil
}
