package pw

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/omnicloud/beaconcheck/internal/dsl"
)

// Perform runs one suite step against page. timeout bounds each browser call.
func Perform(ctx context.Context, page playwright.Page, step dsl.Step, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ms := playwright.Float(float64(timeout.Milliseconds()))

	switch step.Action {
	case dsl.ActionGoto:
		if _, err := page.Goto(step.URL, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   ms,
		}); err != nil {
			return fmt.Errorf("failed to open %s: %w", step.URL, err)
		}
	case dsl.ActionClick:
		if err := Locate(page, *step.Locator).Click(playwright.LocatorClickOptions{Timeout: ms}); err != nil {
			return fmt.Errorf("failed to click %s: %w", step.Locator, err)
		}
	case dsl.ActionFill:
		if err := Locate(page, *step.Locator).Fill(step.Value, playwright.LocatorFillOptions{Timeout: ms}); err != nil {
			return fmt.Errorf("failed to fill %s: %w", step.Locator, err)
		}
	case dsl.ActionPress:
		if step.Locator != nil {
			if err := Locate(page, *step.Locator).Press(step.Key, playwright.LocatorPressOptions{Timeout: ms}); err != nil {
				return fmt.Errorf("failed to press %s on %s: %w", step.Key, step.Locator, err)
			}
			return nil
		}
		if err := page.Keyboard().Press(step.Key); err != nil {
			return fmt.Errorf("failed to press %s: %w", step.Key, err)
		}
	case dsl.ActionWait:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return fmt.Errorf("invalid wait duration %q: %w", step.Duration, err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// Locate resolves l against page, scoping to l.Within when set.
func Locate(page playwright.Page, l dsl.Locator) playwright.Locator {
	if l.Within != nil {
		return locateIn(Locate(page, *l.Within), l)
	}

	exact := playwright.Bool(l.Exact)
	switch l.Kind() {
	case "label":
		return page.GetByLabel(l.Label, playwright.PageGetByLabelOptions{Exact: exact})
	case "role":
		opts := playwright.PageGetByRoleOptions{}
		if l.Name != "" {
			opts.Name = l.Name
			opts.Exact = exact
		}
		return page.GetByRole(playwright.AriaRole(l.Role), opts)
	case "placeholder":
		return page.GetByPlaceholder(l.Placeholder, playwright.PageGetByPlaceholderOptions{Exact: exact})
	case "text":
		return page.GetByText(l.Text, playwright.PageGetByTextOptions{Exact: exact})
	default:
		return page.Locator(l.Selector)
	}
}

func locateIn(parent playwright.Locator, l dsl.Locator) playwright.Locator {
	exact := playwright.Bool(l.Exact)
	switch l.Kind() {
	case "label":
		return parent.GetByLabel(l.Label, playwright.LocatorGetByLabelOptions{Exact: exact})
	case "role":
		opts := playwright.LocatorGetByRoleOptions{}
		if l.Name != "" {
			opts.Name = l.Name
			opts.Exact = exact
		}
		return parent.GetByRole(playwright.AriaRole(l.Role), opts)
	case "placeholder":
		return parent.GetByPlaceholder(l.Placeholder, playwright.LocatorGetByPlaceholderOptions{Exact: exact})
	case "text":
		return parent.GetByText(l.Text, playwright.LocatorGetByTextOptions{Exact: exact})
	default:
		return parent.Locator(l.Selector)
	}
}
