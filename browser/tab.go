package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Tab wraps a Rod page opened for solving, carrying the URL it was pointed
// at and the stealth mode it was created with.
type Tab struct {
	Page    *rod.Page
	PageURL string
	manager *Manager
}

// OpenTab creates a tab, navigates it, and waits for the load event. With
// stealth on, the page gets the anti-detection patches before any site
// script runs.
func (m *Manager) OpenTab(ctx context.Context, pageURL string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}

	var page *rod.Page
	var err error
	if !m.cfg.DisableStealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return &Tab{Page: page, PageURL: pageURL, manager: m}, nil
}

// AttachTab wraps an already-open page whose URL contains match. Used when
// the operator browses manually and the solver joins in.
func (m *Manager) AttachTab(match string) (*Tab, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: no active browser")
	}
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if match == "" || strings.Contains(info.URL, match) {
			return &Tab{Page: p, PageURL: info.URL, manager: m}, nil
		}
	}
	return nil, fmt.Errorf("browser: no open tab matches %q", match)
}

// Hostname returns the tab's current hostname, empty when unparseable.
func (t *Tab) Hostname() string {
	info, err := t.Page.Info()
	pageURL := t.PageURL
	if err == nil && info.URL != "" {
		pageURL = info.URL
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Reload reloads the page and waits for the load event.
func (t *Tab) Reload(ctx context.Context) error {
	if err := t.Page.Context(ctx).Reload(); err != nil {
		return fmt.Errorf("browser: reload: %w", err)
	}
	return t.Page.Context(ctx).WaitLoad()
}

func (t *Tab) Close() error {
	if t.Page != nil {
		return t.Page.Close()
	}
	return nil
}
