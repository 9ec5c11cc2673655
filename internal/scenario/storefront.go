// Package scenario holds the built-in storefront flow: it logs into a password
// protected Shopify store, searches for a product and waits for the analytics
// beacons the storefront is expected to fire along the way.
package scenario

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/omnicloud/beaconcheck/internal/browser/pw"
	"github.com/omnicloud/beaconcheck/internal/dsl"
	"github.com/omnicloud/beaconcheck/internal/expect"
)

const (
	DefaultStoreURL        = "https://quickstart-5bd70c0b.myshopify.com/password"
	DefaultCollectEndpoint = "https://staging.omnicloud.tech/collect"
	DefaultSearchTerm      = "toy"
	PasswordEnv            = "BEACONCHECK_STORE_PASSWORD"
)

type StorefrontConfig struct {
	StoreURL        string
	Password        string
	SearchTerm      string
	CollectEndpoint string
	// Timeout bounds the whole flow, including the wait for beacons.
	Timeout time.Duration
	// ActionTimeout bounds each browser action.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

func DefaultStorefrontConfig() StorefrontConfig {
	return StorefrontConfig{
		StoreURL:        DefaultStoreURL,
		Password:        os.Getenv(PasswordEnv),
		SearchTerm:      DefaultSearchTerm,
		CollectEndpoint: DefaultCollectEndpoint,
		Timeout:         dsl.DefaultTimeout,
		ActionTimeout:   30 * time.Second,
	}
}

// StorefrontExpectations returns the beacons fired by the default flow.
func StorefrontExpectations() []expect.Expectation {
	return SearchExpectations(DefaultSearchTerm)
}

// SearchExpectations returns the home pageview, search pageview and search
// string beacons for a search for term.
func SearchExpectations(term string) []expect.Expectation {
	return []expect.Expectation{
		{
			Name:     "home pageview",
			Method:   "GET",
			Validate: expect.QueryEquals("t", "pageview", "home pageview"),
		},
		{
			Name:     "search pageview",
			Method:   "POST",
			Validate: expect.BodyEquals("t", "pageview", "search pageview"),
		},
		{
			Name:     "search string",
			Method:   "GET",
			Validate: expect.QueryEquals("el", searchString(term), "search string"),
		},
	}
}

// searchString renders the el parameter the storefront sends for a search,
// matching JSON.stringify: no HTML escaping, no trailing newline.
func searchString(term string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(struct {
		SearchString string `json:"search_string"`
	}{term})
	return strings.TrimSuffix(buf.String(), "\n")
}

// StorefrontSteps drives the store from the password page to a search.
func StorefrontSteps(cfg StorefrontConfig) []dsl.Step {
	password := &dsl.Locator{Label: "Enter store password"}
	search := &dsl.Locator{Placeholder: "Search"}
	return []dsl.Step{
		{Action: dsl.ActionGoto, URL: cfg.StoreURL},
		{Action: dsl.ActionClick, Locator: password},
		{Action: dsl.ActionFill, Locator: password, Value: cfg.Password, Name: "fill store password"},
		{Action: dsl.ActionClick, Locator: &dsl.Locator{Role: "button", Name: "Enter"}},
		{Action: dsl.ActionClick, Locator: &dsl.Locator{Role: "button", Name: "Search"}},
		{Action: dsl.ActionClick, Locator: search},
		{Action: dsl.ActionFill, Locator: search, Value: cfg.SearchTerm},
		{Action: dsl.ActionClick, Locator: &dsl.Locator{
			Role: "button", Name: "Search", Exact: true,
			Within: &dsl.Locator{Role: "search"},
		}},
	}
}

// RunStorefront runs the storefront flow on page and waits for every beacon.
// The listener is attached before the first navigation.
func RunStorefront(ctx context.Context, page playwright.Page, cfg StorefrontConfig) ([]expect.Resolution, error) {
	if cfg.Password == "" {
		return nil, fmt.Errorf("store password is required (set %s)", PasswordEnv)
	}
	if cfg.SearchTerm == "" {
		cfg.SearchTerm = DefaultSearchTerm
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	wait := expect.Listen(pw.NewSource(page), cfg.CollectEndpoint, SearchExpectations(cfg.SearchTerm), expect.WithLogger(logger))
	defer wait.Close()

	for _, step := range StorefrontSteps(cfg) {
		logger.Debug("storefront step", "step", step.DisplayName())
		if err := pw.Perform(ctx, page, step, cfg.ActionTimeout); err != nil {
			return wait.Resolutions(), fmt.Errorf("step %q: %w", step.DisplayName(), err)
		}
	}

	if err := wait.Wait(ctx); err != nil {
		return wait.Resolutions(), fmt.Errorf("storefront beacons not seen: %w", err)
	}
	return wait.Resolutions(), nil
}
