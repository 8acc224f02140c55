package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// contextDriver is the slice of browser behavior the manager needs. The rod
// implementation talks to a real Chrome; tests substitute an in-memory fake.
type contextDriver interface {
	// Cookies returns every cookie visible to the browser context.
	Cookies() ([]Cookie, error)
	// SetCookies installs cookies into the browser context.
	SetCookies([]Cookie) error
	// Navigate opens the URL in the context's page and waits for load.
	Navigate(ctx context.Context, url string) error
	// Close tears down the page, browser connection, and Chrome process.
	Close() error
}

// driverFactory opens a fresh browser context for a mode.
type driverFactory func(ctx context.Context, mode Mode) (contextDriver, error)

// rodDriver drives one dedicated Chrome process through the DevTools
// protocol. Interactive and headless contexts never share a process, so
// closing one cannot take the other down.
type rodDriver struct {
	launch  *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
}

func newRodDriver(ctx context.Context, mode Mode) (contextDriver, error) {
	launch := launcher.New().
		Headless(mode == ModeHeadless).
		Set("disable-blink-features", "AutomationControlled").
		Set("no-first-run").
		Set("no-default-browser-check")

	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch %s chrome: %w", mode, err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		launch.Kill()
		return nil, fmt.Errorf("failed to connect to %s chrome: %w", mode, err)
	}

	page, err := stealth.Page(browser)
	if err != nil {
		_ = browser.Close()
		launch.Kill()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}

	return &rodDriver{launch: launch, browser: browser, page: page}, nil
}

func (d *rodDriver) Cookies() ([]Cookie, error) {
	raw, err := d.browser.GetCookies()
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0)
		}
		cookies = append(cookies, ck)
	}
	return cookies, nil
}

func (d *rodDriver) SetCookies(cookies []Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if !c.Expires.IsZero() {
			p.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}
		params = append(params, p)
	}
	if err := d.browser.SetCookies(params); err != nil {
		return fmt.Errorf("failed to set cookies: %w", err)
	}
	return nil
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	page := d.page.Context(ctx)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return fmt.Errorf("failed waiting for %s: %w", url, err)
	}
	return nil
}

func (d *rodDriver) Close() error {
	var errs []string
	if d.page != nil {
		if err := d.page.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if d.launch != nil {
		d.launch.Kill()
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close context: %s", strings.Join(errs, "; "))
	}
	return nil
}
