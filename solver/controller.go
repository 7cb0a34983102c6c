package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/capsolve/browser"
	"github.com/hazyhaar/capsolve/capture"
	"github.com/hazyhaar/capsolve/detect"
	"github.com/hazyhaar/capsolve/fill"
	"github.com/hazyhaar/capsolve/kit"
	"github.com/hazyhaar/capsolve/picker"
	"github.com/hazyhaar/capsolve/recognize"
	"github.com/hazyhaar/capsolve/store"
)

// ErrBusy is returned when an operation is requested while another one is
// still driving the tab. The pipeline mutates live page state, so exactly
// one operation runs at a time.
var ErrBusy = errors.New("solver: operation already in progress")

// ErrNoTab is returned from operations before a tab has been opened.
var ErrNoTab = errors.New("solver: no tab open")

// ErrNoCandidate is returned when an operation names a candidate that the
// last scan did not produce.
var ErrNoCandidate = errors.New("solver: no such candidate")

// Controller drives the full pipeline against one tab. All methods are safe
// for concurrent call; conflicting ones fail fast with ErrBusy.
type Controller struct {
	mgr   *browser.Manager
	st    *store.Store
	disp  *recognize.Dispatcher
	fills *fill.Engine
	log   *slog.Logger

	mu       sync.Mutex
	busy     bool
	busyWhat string
	tab      *browser.Tab
	dom      *PageDOM
	det      *detect.Detector
	capt     *capture.Strategy
	lastText string
}

func NewController(mgr *browser.Manager, st *store.Store, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		mgr:   mgr,
		st:    st,
		disp:  recognize.NewDispatcher(st, st, log),
		fills: fill.New(log),
		log:   log,
	}
}

// acquire claims the busy flag for one named operation.
func (c *Controller) acquire(what string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return fmt.Errorf("%w (%s)", ErrBusy, c.busyWhat)
	}
	c.busy = true
	c.busyWhat = what
	return nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.busyWhat = ""
	c.mu.Unlock()
}

// Open navigates a fresh tab to pageURL, closing the previous one. The
// detector and capture strategy are rebuilt against the new page.
func (c *Controller) Open(ctx context.Context, pageURL string) error {
	if err := c.acquire("open"); err != nil {
		return err
	}
	defer c.release()

	tab, err := c.mgr.OpenTab(ctx, pageURL)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.tab != nil {
		c.tab.Close()
	}
	c.tab = tab
	c.dom = NewPageDOM(tab.Page)
	c.det = detect.New(c.dom, detect.Config{Logger: c.log})
	c.capt = capture.New(c.dom, c.log)
	c.lastText = ""
	c.mu.Unlock()

	c.log.Info("solver: tab opened", "url", pageURL, "hostname", tab.Hostname())
	return nil
}

// Attach joins an already-open tab whose URL contains match.
func (c *Controller) Attach(ctx context.Context, match string) error {
	if err := c.acquire("attach"); err != nil {
		return err
	}
	defer c.release()

	tab, err := c.mgr.AttachTab(match)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.tab = tab
	c.dom = NewPageDOM(tab.Page)
	c.det = detect.New(c.dom, detect.Config{Logger: c.log})
	c.capt = capture.New(c.dom, c.log)
	c.lastText = ""
	c.mu.Unlock()

	c.log.Info("solver: attached to tab", "url", tab.PageURL)
	return nil
}

// ScanResult is what a scan reports back to the caller.
type ScanResult struct {
	Candidates []detect.Candidate `json:"candidates"`
	MostLikely *detect.Candidate  `json:"mostLikely,omitempty"`
	SiteRule   string             `json:"siteRule,omitempty"`
}

// Scan rescans the page. A stored site rule for the tab's hostname is tried
// first; when its selector still resolves, that candidate is the sure
// answer and leads the result.
func (c *Controller) Scan(ctx context.Context) (*ScanResult, error) {
	if err := c.acquire("scan"); err != nil {
		return nil, err
	}
	defer c.release()
	return c.scanLocked(ctx)
}

func (c *Controller) scanLocked(ctx context.Context) (*ScanResult, error) {
	det, _, err := c.pipeline()
	if err != nil {
		return nil, err
	}

	out := &ScanResult{}
	if rule, err := c.st.SiteRule(ctx, c.tab.Hostname()); err == nil {
		cand, rerr := det.ResolveSelector(ctx, rule.Selector)
		if rerr != nil {
			c.log.Warn("solver: site rule resolution failed", "selector", rule.Selector, "error", rerr)
		}
		if cand != nil {
			out.SiteRule = rule.Selector
			out.Candidates = det.Candidates()
			out.MostLikely = cand
			return out, nil
		}
	}

	if _, err := det.Scan(ctx); err != nil {
		return nil, err
	}
	out.Candidates = det.Candidates()
	out.MostLikely = det.MostLikely()
	return out, nil
}

// Recognize captures the chosen candidate (or the most likely one when
// identity is empty) and sends it through the dispatcher. The outcome is
// recorded and returned; recognized text is remembered for a later Fill.
func (c *Controller) Recognize(ctx context.Context, identity string) (recognize.Outcome, error) {
	if err := c.acquire("recognize"); err != nil {
		return recognize.Outcome{}, err
	}
	defer c.release()
	return c.recognizeLocked(ctx, identity)
}

func (c *Controller) recognizeLocked(ctx context.Context, identity string) (recognize.Outcome, error) {
	det, capt, err := c.pipeline()
	if err != nil {
		return recognize.Outcome{}, err
	}

	cand := det.MostLikely()
	if identity != "" {
		cand = det.ByIdentity(identity)
	}
	if cand == nil {
		return recognize.Outcome{}, ErrNoCandidate
	}

	ctx = kit.WithHostname(ctx, c.tab.Hostname())

	// Candidates can go stale between scan and capture when the page
	// re-renders; a stale ref fails the same way a detached node does.
	if ok, err := det.IsAttached(ctx, cand); err != nil || !ok {
		msg := "solver: candidate no longer attached, rescan needed"
		if err != nil {
			msg = err.Error()
		}
		o := recognize.Outcome{ErrKind: recognize.KindCapture, Message: msg}
		c.st.RecordOutcome(ctx, o)
		return o, nil
	}

	img, err := capt.Capture(ctx, cand)
	if err != nil {
		// Capture failures still produce one recorded outcome, so the
		// history tells the whole story.
		o := recognize.Outcome{ErrKind: recognize.KindOf(err), Message: err.Error()}
		c.st.RecordOutcome(ctx, o)
		return o, nil
	}

	o := c.disp.Recognize(ctx, img)
	if o.OK {
		c.mu.Lock()
		c.lastText = o.Text
		c.mu.Unlock()
	}
	return o, nil
}

// Fill types text into the candidate's linked input. An empty text falls
// back to the last recognized answer.
func (c *Controller) Fill(ctx context.Context, identity, text string) (bool, error) {
	if err := c.acquire("fill"); err != nil {
		return false, err
	}
	defer c.release()
	return c.fillLocked(ctx, identity, text)
}

func (c *Controller) fillLocked(ctx context.Context, identity, text string) (bool, error) {
	det, _, err := c.pipeline()
	if err != nil {
		return false, err
	}

	cand := det.MostLikely()
	if identity != "" {
		cand = det.ByIdentity(identity)
	}
	if cand == nil {
		return false, ErrNoCandidate
	}
	if cand.Input == nil {
		return false, fmt.Errorf("solver: candidate has no linked input")
	}
	if ok, err := det.IsAttached(ctx, cand); err != nil || !ok {
		return false, fmt.Errorf("solver: candidate no longer attached, rescan needed")
	}
	if text == "" {
		c.mu.Lock()
		text = c.lastText
		c.mu.Unlock()
	}
	if text == "" {
		return false, fmt.Errorf("solver: nothing to fill")
	}

	settings, err := c.st.LoadSettings(ctx)
	if err != nil {
		return false, err
	}
	opts := fill.Options{
		SimulateKeystrokes: settings.SimulateKeystrokes,
		AutoSubmit:         settings.AutoSubmit,
	}
	return c.fills.Fill(ctx, c.dom.Target(cand.Input.Ref), text, opts), nil
}

// SolveResult reports one end-to-end pass.
type SolveResult struct {
	Candidate *detect.Candidate `json:"candidate,omitempty"`
	Outcome   recognize.Outcome `json:"outcome"`
	Filled    bool              `json:"filled"`
}

// Solve runs scan, recognize and fill as one operation under one busy
// claim.
func (c *Controller) Solve(ctx context.Context) (*SolveResult, error) {
	if err := c.acquire("solve"); err != nil {
		return nil, err
	}
	defer c.release()

	scan, err := c.scanLocked(ctx)
	if err != nil {
		return nil, err
	}
	if scan.MostLikely == nil {
		return nil, fmt.Errorf("solver: no candidates on page")
	}

	res := &SolveResult{Candidate: scan.MostLikely}
	res.Outcome, err = c.recognizeLocked(ctx, scan.MostLikely.Identity)
	if err != nil {
		return nil, err
	}
	if !res.Outcome.OK {
		return res, nil
	}

	res.Filled, err = c.fillLocked(ctx, scan.MostLikely.Identity, res.Outcome.Text)
	if err != nil {
		return res, err
	}
	return res, nil
}

// Status is a cheap, never-blocking view of the controller.
type Status struct {
	Busy       bool   `json:"busy"`
	BusyWhat   string `json:"busyWhat,omitempty"`
	TabOpen    bool   `json:"tabOpen"`
	TabURL     string `json:"tabUrl,omitempty"`
	Hostname   string `json:"hostname,omitempty"`
	Candidates int    `json:"candidates"`
	LastText   string `json:"lastText,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{Busy: c.busy, BusyWhat: c.busyWhat, TabOpen: c.tab != nil, LastText: c.lastText}
	if c.tab != nil {
		s.TabURL = c.tab.PageURL
		s.Hostname = c.tab.Hostname()
	}
	if c.det != nil {
		s.Candidates = len(c.det.Candidates())
	}
	return s
}

// StartPicker lets the operator click the CAPTCHA element on the live page.
// A non-cancelled pick is stored as the site rule for the tab's hostname.
func (c *Controller) StartPicker(ctx context.Context) (picker.Result, error) {
	if err := c.acquire("picker"); err != nil {
		return picker.Result{}, err
	}
	defer c.release()

	c.mu.Lock()
	tab := c.tab
	c.mu.Unlock()
	if tab == nil {
		return picker.Result{}, ErrNoTab
	}

	res, err := picker.Pick(ctx, tab.Page)
	if err != nil {
		return picker.Result{}, err
	}
	if !res.Cancelled && res.Selector != "" {
		if err := c.st.SaveSiteRule(ctx, tab.Hostname(), res.Selector); err != nil {
			return res, err
		}
		c.log.Info("solver: site rule saved", "hostname", tab.Hostname(), "selector", res.Selector)
	}
	return res, nil
}

// ApplySiteRule resolves a selector on the current page and, when it
// matches, persists it for the tab's hostname.
func (c *Controller) ApplySiteRule(ctx context.Context, selector string) (*detect.Candidate, error) {
	if err := c.acquire("apply-rule"); err != nil {
		return nil, err
	}
	defer c.release()

	det, _, err := c.pipeline()
	if err != nil {
		return nil, err
	}
	cand, err := det.ResolveSelector(ctx, selector)
	if err != nil {
		return nil, err
	}
	if cand == nil {
		return nil, fmt.Errorf("solver: selector %q matches nothing", selector)
	}
	if err := c.st.SaveSiteRule(ctx, c.tab.Hostname(), selector); err != nil {
		return nil, err
	}
	return cand, nil
}

// TestConnection runs a provider diagnostic through the dispatcher without
// touching the tab, so it is allowed while busy.
func (c *Controller) TestConnection(ctx context.Context, cfg recognize.ProviderConfig) recognize.Outcome {
	return c.disp.TestConnection(ctx, cfg)
}

// pipeline returns the per-tab pieces, failing when no tab is open.
func (c *Controller) pipeline() (*detect.Detector, *capture.Strategy, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab == nil || c.det == nil {
		return nil, nil, ErrNoTab
	}
	return c.det, c.capt, nil
}

// Close releases the tab. The browser manager itself is owned by main.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tab != nil {
		err := c.tab.Close()
		c.tab = nil
		return err
	}
	return nil
}
