// Package solver binds the detection, capture, recognition and fill logic
// to a live Chrome tab and exposes the operations the HTTP and MCP surfaces
// call. Everything rod-specific in the pipeline lives here.
package solver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/capsolve/detect"
)

// refAttr marks scanned nodes so later stages can find them again without
// holding CDP object handles across calls.
const refAttr = "data-capsolve-ref"

// PageDOM adapts one rod page to the reader and evaluator capabilities the
// pipeline packages are written against.
type PageDOM struct {
	page *rod.Page
}

func NewPageDOM(page *rod.Page) *PageDOM {
	return &PageDOM{page: page}
}

// elementFactsDTO mirrors what the collector script emits per element.
type elementFactsDTO struct {
	Ref          string     `json:"ref"`
	Tag          string     `json:"tag"`
	ID           string     `json:"id"`
	Class        string     `json:"class"`
	Src          string     `json:"src"`
	Alt          string     `json:"alt"`
	Label        string     `json:"label"`
	Box          detect.Box `json:"box"`
	Visible      bool       `json:"visible"`
	AncestorRefs []string   `json:"ancestorRefs"`
	AncestorText []string   `json:"ancestorText"`
}

type inputFactsDTO struct {
	Ref          string     `json:"ref"`
	Name         string     `json:"name"`
	ID           string     `json:"id"`
	Placeholder  string     `json:"placeholder"`
	Class        string     `json:"class"`
	Box          detect.Box `json:"box"`
	Visible      bool       `json:"visible"`
	AncestorRefs []string   `json:"ancestorRefs"`
}

type snapshotDTO struct {
	Elements []elementFactsDTO `json:"elements"`
	Inputs   []inputFactsDTO   `json:"inputs"`
}

// Snapshot collects facts for every image, canvas, svg and text-like input
// in the document, restamping refs so stale marks from earlier scans never
// resolve.
func (p *PageDOM) Snapshot(ctx context.Context) (*detect.Snapshot, error) {
	res, err := p.page.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return nil, fmt.Errorf("solver: snapshot script: %w", err)
	}
	var dto snapshotDTO
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &dto); err != nil {
		return nil, fmt.Errorf("solver: decode snapshot: %w", err)
	}

	snap := &detect.Snapshot{}
	for _, e := range dto.Elements {
		kind, ok := detect.KindForTag(e.Tag)
		if !ok {
			continue
		}
		snap.Elements = append(snap.Elements, detect.ElementFacts{
			Ref: e.Ref, Kind: kind,
			ID: e.ID, Class: e.Class, Src: e.Src, Alt: e.Alt, Label: e.Label,
			Box: e.Box, Visible: e.Visible,
			AncestorRefs: e.AncestorRefs, AncestorText: e.AncestorText,
		})
	}
	for _, in := range dto.Inputs {
		snap.Inputs = append(snap.Inputs, detect.InputFacts{
			Ref: in.Ref, Name: in.Name, ID: in.ID, Placeholder: in.Placeholder,
			Class: in.Class, Box: in.Box, Visible: in.Visible,
			AncestorRefs: in.AncestorRefs,
		})
	}
	return snap, nil
}

// DescribeSelector stamps and describes the first node matching selector,
// or returns nil when nothing matches.
func (p *PageDOM) DescribeSelector(ctx context.Context, selector string) (*detect.ElementFacts, error) {
	res, err := p.page.Context(ctx).Eval(describeSelectorJS, selector)
	if err != nil {
		return nil, fmt.Errorf("solver: describe selector: %w", err)
	}
	raw := res.Value.JSON("", "")
	if raw == "null" {
		return nil, nil
	}
	var dto elementFactsDTO
	if err := json.Unmarshal([]byte(raw), &dto); err != nil {
		return nil, fmt.Errorf("solver: decode selector facts: %w", err)
	}
	kind, _ := detect.KindForTag(dto.Tag)
	return &detect.ElementFacts{
		Ref: dto.Ref, Kind: kind,
		ID: dto.ID, Class: dto.Class, Src: dto.Src, Alt: dto.Alt, Label: dto.Label,
		Box: dto.Box, Visible: dto.Visible,
		AncestorRefs: dto.AncestorRefs, AncestorText: dto.AncestorText,
	}, nil
}

// IsAttached reports whether a stamped node is still in the document.
func (p *PageDOM) IsAttached(ctx context.Context, ref string) (bool, error) {
	res, err := p.page.Context(ctx).Eval(
		`(ref) => { const el = document.querySelector('[data-capsolve-ref="' + ref + '"]'); return !!(el && el.isConnected); }`, ref)
	if err != nil {
		return false, fmt.Errorf("solver: attachment check: %w", err)
	}
	return res.Value.Bool(), nil
}

// EvalOnRef runs a JS function with `this` bound to the referenced element.
// This is the capture evaluator.
func (p *PageDOM) EvalOnRef(ctx context.Context, ref string, js string) (string, error) {
	el, err := p.element(ctx, ref)
	if err != nil {
		return "", err
	}
	res, err := el.Eval(js)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *PageDOM) element(ctx context.Context, ref string) (*rod.Element, error) {
	sel := fmt.Sprintf(`[%s=%q]`, refAttr, ref)
	el, err := p.page.Context(ctx).Element(sel)
	if err != nil {
		return nil, fmt.Errorf("solver: element %s not attached: %w", ref, err)
	}
	return el, nil
}

// snapshotJS walks the document once. Every candidate, every text-like
// input, and all of their ancestors get a fresh ref; ancestor chains are
// reported nearest-first so the matcher can scope its walk.
const snapshotJS = `() => {
	const ATTR = 'data-capsolve-ref';
	let seq = 0;
	const token = Date.now().toString(36);
	const refOf = (el) => {
		const ref = 's' + token + '_' + (++seq);
		el.setAttribute(ATTR, ref);
		return ref;
	};

	const boxOf = (el) => {
		const r = el.getBoundingClientRect();
		return { top: r.top, left: r.left, width: r.width, height: r.height };
	};

	const visibleOf = (el) => {
		const r = el.getBoundingClientRect();
		if (r.width <= 0 || r.height <= 0) { return false; }
		const cs = getComputedStyle(el);
		return cs.display !== 'none' && cs.visibility !== 'hidden' && cs.opacity !== '0';
	};

	// Ancestors are stamped lazily and shared: two siblings report the
	// same ref for their common parent.
	const ancestorsOf = (el) => {
		const refs = [];
		const text = [];
		let node = el.parentElement;
		while (node && node !== document.documentElement) {
			if (!node.getAttribute(ATTR) || !node.getAttribute(ATTR).startsWith('s' + token + '_')) {
				node.setAttribute(ATTR, 's' + token + '_' + (++seq));
			}
			refs.push(node.getAttribute(ATTR));
			text.push(((node.id || '') + ' ' + (node.className && node.className.baseVal !== undefined ? node.className.baseVal : node.className || '')).trim());
			node = node.parentElement;
		}
		return { refs, text };
	};

	const elements = [];
	for (const el of document.querySelectorAll('img, canvas, svg')) {
		const anc = ancestorsOf(el);
		const cls = el.className && el.className.baseVal !== undefined ? el.className.baseVal : (el.className || '');
		elements.push({
			ref: refOf(el),
			tag: el.tagName.toLowerCase(),
			id: el.id || '',
			class: cls,
			src: el.currentSrc || el.getAttribute('src') || '',
			alt: el.getAttribute('alt') || '',
			label: el.getAttribute('aria-label') || '',
			box: boxOf(el),
			visible: visibleOf(el),
			ancestorRefs: anc.refs,
			ancestorText: anc.text
		});
	}

	const inputs = [];
	for (const el of document.querySelectorAll('input, textarea')) {
		const type = (el.getAttribute('type') || 'text').toLowerCase();
		if (el.tagName === 'INPUT' && ['hidden','submit','button','checkbox','radio','file','range','color'].includes(type)) { continue; }
		const anc = ancestorsOf(el);
		inputs.push({
			ref: refOf(el),
			name: el.getAttribute('name') || '',
			id: el.id || '',
			placeholder: el.getAttribute('placeholder') || '',
			class: el.className || '',
			box: boxOf(el),
			visible: visibleOf(el),
			ancestorRefs: anc.refs
		});
	}

	return { elements, inputs };
}`

// describeSelectorJS stamps and describes one node by CSS selector.
const describeSelectorJS = `(selector) => {
	const ATTR = 'data-capsolve-ref';
	const el = document.querySelector(selector);
	if (!el) { return null; }
	const ref = 'sel_' + Date.now().toString(36) + '_' + Math.floor(Math.random() * 1e6);
	el.setAttribute(ATTR, ref);
	const r = el.getBoundingClientRect();
	const cs = getComputedStyle(el);
	const cls = el.className && el.className.baseVal !== undefined ? el.className.baseVal : (el.className || '');
	return {
		ref: ref,
		tag: el.tagName.toLowerCase(),
		id: el.id || '',
		class: cls,
		src: el.currentSrc || el.getAttribute('src') || '',
		alt: el.getAttribute('alt') || '',
		label: el.getAttribute('aria-label') || '',
		box: { top: r.top, left: r.left, width: r.width, height: r.height },
		visible: r.width > 0 && r.height > 0 && cs.display !== 'none' && cs.visibility !== 'hidden',
		ancestorRefs: [],
		ancestorText: []
	};
}`
