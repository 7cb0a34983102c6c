// Package detect locates probable CAPTCHA elements in a live document and
// links each one to the text input that should receive the answer.
//
// The heuristics operate on plain element facts collected in one pass over
// the page, so the scoring and input-matching logic is independent of the
// browser transport. The rod-backed DOMReader lives in package solver.
package detect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/capsolve/idgen"
)

// Kind discriminates the element families the detector understands.
type Kind string

const (
	KindImage  Kind = "image"  // <img>
	KindCanvas Kind = "canvas" // <canvas>
	KindVector Kind = "svg"    // inline <svg>
)

// KindForTag maps a lowercase tag name to a Kind. ok is false for tags the
// capture strategies cannot handle.
func KindForTag(tag string) (Kind, bool) {
	switch tag {
	case "img":
		return KindImage, true
	case "canvas":
		return KindCanvas, true
	case "svg":
		return KindVector, true
	}
	return "", false
}

// Box is a viewport-coordinate bounding box captured at scan time. It is not
// kept live; a reflow invalidates it silently.
type Box struct {
	Top    float64 `json:"top"`
	Left   float64 `json:"left"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b Box) centerX() float64 { return b.Left + b.Width/2 }
func (b Box) centerY() float64 { return b.Top + b.Height/2 }
func (b Box) right() float64   { return b.Left + b.Width }
func (b Box) bottom() float64  { return b.Top + b.Height }

// ElementFacts is everything the scorer needs to know about one candidate
// element. Ref is a scan-local handle into the live document, resolvable by
// the DOMReader that produced it; it does not survive a rescan.
type ElementFacts struct {
	Ref          string
	Kind         Kind
	ID           string
	Class        string
	Src          string
	Alt          string
	Label        string // aria-label
	Box          Box
	Visible      bool
	AncestorRefs []string // nearest-first, full chain to the document root
	AncestorText []string // id+class of the nearest ancestors, nearest-first
}

// InputFacts describes one text-like input element.
type InputFacts struct {
	Ref          string   `json:"ref"`
	Name         string   `json:"name"`
	ID           string   `json:"id"`
	Placeholder  string   `json:"placeholder"`
	Class        string   `json:"class"`
	Box          Box      `json:"box"`
	Visible      bool     `json:"visible"`
	AncestorRefs []string `json:"-"`
}

// Snapshot is one pass over the document: every image/canvas/svg node plus
// every text-like input, with geometry as rendered.
type Snapshot struct {
	Elements []ElementFacts
	Inputs   []InputFacts
}

// DOMReader is the capability the detector needs from the page. Implemented
// over rod in package solver and by fakes in tests.
type DOMReader interface {
	// Snapshot collects facts for every matching node in the document.
	Snapshot(ctx context.Context) (*Snapshot, error)
	// DescribeSelector resolves a CSS selector to element facts, or nil if
	// no node matches.
	DescribeSelector(ctx context.Context, selector string) (*ElementFacts, error)
	// IsAttached reports whether the referenced node is still in the
	// document.
	IsAttached(ctx context.Context, ref string) (bool, error)
}

// Candidate is a detected possible CAPTCHA. Valid only for the lifetime of
// one scan pass plus any immediately following user action; a rescan
// invalidates all prior candidates.
type Candidate struct {
	Identity   string      `json:"id"`
	Kind       Kind        `json:"kind"`
	Ref        string      `json:"-"`
	Box        Box         `json:"boundingBox"`
	Confidence int         `json:"confidence"`
	Input      *InputFacts `json:"input,omitempty"`
	Summary    string      `json:"summary"`
}

// HasInput reports whether an answer input was linked at scan time.
func (c *Candidate) HasInput() bool { return c != nil && c.Input != nil }

// stripTags removes any markup from page-derived text before it is echoed
// into API responses, MCP results, or history rows.
var stripTags = bluemonday.StrictPolicy()

// Config configures a Detector.
type Config struct {
	Weights Weights
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Detector scans a document through a DOMReader and keeps the results of the
// most recent pass.
type Detector struct {
	reader  DOMReader
	weights Weights
	log     *slog.Logger
	newID   idgen.Generator

	last []Candidate
	pass int
}

// New creates a Detector over the given reader.
func New(reader DOMReader, cfg Config) *Detector {
	cfg.defaults()
	return &Detector{
		reader:  reader,
		weights: cfg.Weights,
		log:     cfg.Logger,
		newID:   idgen.NanoID(6),
	}
}

// Scan re-derives the full candidate list from the current document state.
// Previous results are discarded; identities from earlier passes may collide
// in value but never in meaning. Safe to call at any time.
func (d *Detector) Scan(ctx context.Context) ([]Candidate, error) {
	snap, err := d.reader.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect: snapshot: %w", err)
	}
	d.pass++
	d.last = d.evaluate(snap)
	d.log.Debug("detect: scan complete",
		"pass", d.pass,
		"elements", len(snap.Elements),
		"inputs", len(snap.Inputs),
		"candidates", len(d.last))
	return d.last, nil
}

// Candidates returns the results of the last scan in encounter order.
func (d *Detector) Candidates() []Candidate { return d.last }

// MostLikely returns the maximum-confidence candidate from the last scan.
// Ties break to the first encountered: the reduction uses strict greater-than.
func (d *Detector) MostLikely() *Candidate {
	var best *Candidate
	for i := range d.last {
		if best == nil || d.last[i].Confidence > best.Confidence {
			best = &d.last[i]
		}
	}
	return best
}

// ByIdentity returns the last-scan candidate with the given identity, or nil.
func (d *Detector) ByIdentity(id string) *Candidate {
	for i := range d.last {
		if d.last[i].Identity == id {
			return &d.last[i]
		}
	}
	return nil
}

// ResolveSelector wraps the element matched by a saved site-rule selector as
// a candidate with confidence pinned to 100, bypassing the heuristics. The
// input link is still derived so fill has a target. Returns nil when the
// selector matches nothing.
func (d *Detector) ResolveSelector(ctx context.Context, selector string) (*Candidate, error) {
	// Snapshot restamps every element ref, so it must run before the
	// selector is described. The other order leaves the candidate holding
	// a ref the snapshot just overwrote.
	snap, snapErr := d.reader.Snapshot(ctx)

	facts, err := d.reader.DescribeSelector(ctx, selector)
	if err != nil {
		return nil, fmt.Errorf("detect: resolve %q: %w", selector, err)
	}
	if facts == nil {
		return nil, nil
	}

	cand := d.wrap(*facts)
	cand.Confidence = 100

	if snapErr == nil {
		cand.Input = matchInput(*facts, snap.Inputs)
	}

	// A manually designated element joins the current result set so that
	// recognize/fill can address it by identity.
	d.last = append(d.last, *cand)
	return &d.last[len(d.last)-1], nil
}

// IsAttached re-validates candidate liveness immediately before capture or
// fill. Any capability requiring the node must call this first.
func (d *Detector) IsAttached(ctx context.Context, c *Candidate) (bool, error) {
	if c == nil {
		return false, nil
	}
	return d.reader.IsAttached(ctx, c.Ref)
}

func (d *Detector) evaluate(snap *Snapshot) []Candidate {
	var out []Candidate
	for _, el := range snap.Elements {
		if !inEnvelope(el.Box) || !el.Visible {
			continue
		}
		input := matchInput(el, snap.Inputs)
		if !accept(el, input) {
			continue
		}
		cand := d.wrap(el)
		cand.Input = input
		cand.Confidence = d.weights.Score(el, input != nil)
		out = append(out, *cand)
	}
	return out
}

func (d *Detector) wrap(el ElementFacts) *Candidate {
	return &Candidate{
		Identity: fmt.Sprintf("cand_%d_%s", d.pass, d.newID()),
		Kind:     el.Kind,
		Ref:      el.Ref,
		Box:      el.Box,
		Summary:  summarize(el),
	}
}

func summarize(el ElementFacts) string {
	s := string(el.Kind)
	if el.ID != "" {
		s += " #" + el.ID
	}
	if el.Alt != "" {
		s += " " + el.Alt
	} else if el.Label != "" {
		s += " " + el.Label
	}
	return stripTags.Sanitize(s)
}
