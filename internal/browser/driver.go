// Package browser drives real browser pages for agent sessions via go-rod.
// Each session owns one browser process bound to a persistent profile
// directory, so logins survive restarts and profiles never contend.
package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"agentrelay/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

//go:embed stealth.js
var stealthScript string

// ErrPageClosed is returned by operations on a closed page.
var ErrPageClosed = errors.New("page closed")

// Page is the automation surface an agent session needs.
type Page interface {
	// Navigate loads url and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// WaitFor blocks until selector matches an element or ctx ends.
	WaitFor(ctx context.Context, selector string) error
	// Click clicks the first element matching selector.
	Click(ctx context.Context, selector string) error
	// Input focuses the element matching selector and types text into it.
	Input(ctx context.Context, selector, text string) error
	// PressEnter sends an Enter keystroke to the focused element.
	PressEnter(ctx context.Context) error
	// Eval runs a JS function expression and returns its JSON result.
	Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error)
	// URL returns the current document URL.
	URL(ctx context.Context) (string, error)
	// Healthy reports whether the page still answers.
	Healthy(ctx context.Context) bool
	// Close releases the page and its browser process.
	Close() error
}

// Config holds browser launch configuration.
type Config struct {
	Bin               string
	Headless          bool
	Flags             []string
	ViewportWidth     int
	ViewportHeight    int
	UserAgent         string
	Stealth           bool
	NavigationTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ViewportWidth:     1280,
		ViewportHeight:    800,
		Stealth:           true,
		NavigationTimeout: 30 * time.Second,
	}
}

// GetNavigationTimeout returns the navigation timeout.
func (c Config) GetNavigationTimeout() time.Duration {
	if c.NavigationTimeout <= 0 {
		return 30 * time.Second
	}
	return c.NavigationTimeout
}

// Driver launches browser processes and opens pages on them.
type Driver struct {
	cfg Config
}

// NewDriver creates a driver.
func NewDriver(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Open launches a browser on profileDir and opens url in a fresh tab.
// Tabs restored from the profile's previous run are closed.
func (d *Driver) Open(ctx context.Context, profileDir, url string) (Page, error) {
	if profileDir != "" {
		if err := os.MkdirAll(profileDir, 0755); err != nil {
			return nil, fmt.Errorf("create profile dir: %w", err)
		}
		clearStaleLock(profileDir)
	}

	l := d.launcher(profileDir)
	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	logging.BrowserDebug("Browser launched for profile %s at %s", profileDir, controlURL)

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	p, err := d.newPage(ctx, b, url)
	if err != nil {
		_ = b.Close()
		l.Kill()
		return nil, err
	}

	return &rodPage{cfg: d.cfg, launcher: l, browser: b, page: p}, nil
}

func (d *Driver) launcher(profileDir string) *launcher.Launcher {
	l := launcher.New().Headless(d.cfg.Headless)
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}
	if profileDir != "" {
		l = l.UserDataDir(profileDir)
	}
	for _, raw := range d.cfg.Flags {
		name, val, hasVal := parseFlag(raw)
		if name == "" {
			continue
		}
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func (d *Driver) newPage(ctx context.Context, b *rod.Browser, url string) (*rod.Page, error) {
	stale, _ := b.Pages()

	p, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	for _, old := range stale {
		if old.TargetID != p.TargetID {
			_ = old.Close()
		}
	}

	if d.cfg.Stealth {
		if _, err := p.EvalOnNewDocument(stealthScript); err != nil {
			logging.BrowserWarn("Failed to install stealth script: %v", err)
		}
	}
	if d.cfg.UserAgent != "" {
		if err := p.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.cfg.UserAgent}); err != nil {
			logging.BrowserWarn("Failed to set user agent: %v", err)
		}
	}
	if d.cfg.ViewportWidth > 0 && d.cfg.ViewportHeight > 0 {
		if err := (proto.EmulationSetDeviceMetricsOverride{
			Width:             d.cfg.ViewportWidth,
			Height:            d.cfg.ViewportHeight,
			DeviceScaleFactor: 1.0,
			Mobile:            false,
		}).Call(p); err != nil {
			logging.BrowserWarn("Failed to set viewport: %v", err)
		}
	}

	if url != "" {
		if err := p.Context(ctx).Timeout(d.cfg.GetNavigationTimeout()).Navigate(url); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
		_ = p.Context(ctx).Timeout(d.cfg.GetNavigationTimeout()).WaitLoad()
	}
	return p, nil
}

// clearStaleLock removes the profile lock a crashed browser leaves behind,
// which would otherwise make the next launch refuse the profile.
func clearStaleLock(profileDir string) {
	lock := filepath.Join(profileDir, "SingletonLock")
	if _, err := os.Lstat(lock); err == nil {
		logging.BrowserDebug("Removing stale profile lock %s", lock)
		_ = os.Remove(lock)
	}
}

// parseFlag splits "--name=value" into its parts.
func parseFlag(raw string) (name, val string, hasVal bool) {
	trimmed := strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, val, hasVal = strings.Cut(trimmed, "=")
	return name, val, hasVal
}

type rodPage struct {
	cfg      Config
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page

	mu     sync.Mutex
	closed bool
}

func (p *rodPage) live() (*rod.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPageClosed
	}
	return p.page, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page, err := p.live()
	if err != nil {
		return err
	}
	page = page.Context(ctx).Timeout(p.cfg.GetNavigationTimeout())
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return page.WaitLoad()
}

func (p *rodPage) WaitFor(ctx context.Context, selector string) error {
	page, err := p.live()
	if err != nil {
		return err
	}
	if _, err := page.Context(ctx).Element(selector); err != nil {
		return fmt.Errorf("element %q not found: %w", selector, err)
	}
	return nil
}

func (p *rodPage) Click(ctx context.Context, selector string) error {
	page, err := p.live()
	if err != nil {
		return err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %q not found: %w", selector, err)
	}
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Input(ctx context.Context, selector, text string) error {
	page, err := p.live()
	if err != nil {
		return err
	}
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("element %q not found: %w", selector, err)
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("focus %q: %w", selector, err)
	}
	// Input dispatches an insertText, which contenteditable editors accept
	// as if typed.
	return page.Context(ctx).InsertText(text)
}

func (p *rodPage) PressEnter(ctx context.Context) error {
	page, err := p.live()
	if err != nil {
		return err
	}
	return page.Context(ctx).Keyboard.Type(input.Enter)
}

func (p *rodPage) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	page, err := p.live()
	if err != nil {
		return nil, err
	}
	res, err := page.Context(ctx).Evaluate(rod.Eval(js, args...).ByPromise())
	if err != nil {
		return nil, err
	}
	if res == nil {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

func (p *rodPage) URL(ctx context.Context) (string, error) {
	page, err := p.live()
	if err != nil {
		return "", err
	}
	info, err := page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p *rodPage) Healthy(ctx context.Context) bool {
	page, err := p.live()
	if err != nil {
		return false
	}
	if _, err := p.browser.Version(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = page.Context(ctx).Eval(`() => document.readyState`)
	return err == nil
}

func (p *rodPage) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.page.Close()
	err := p.browser.Close()
	p.launcher.Kill()
	return err
}
