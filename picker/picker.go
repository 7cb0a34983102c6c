// Package picker lets the operator point at a CAPTCHA element on the live
// page. It injects a one-shot overlay (highlight on hover, click to choose,
// Escape to cancel) and blocks until the page resolves the pick or the
// context ends.
package picker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-rod/rod"
)

// Result is what the overlay resolved with. When Cancelled is set the
// operator pressed Escape and Selector is empty.
type Result struct {
	Selector  string `json:"selector"`
	Info      string `json:"info"`
	Cancelled bool   `json:"cancelled"`
}

// Pick injects the overlay and waits for exactly one pick. Cancelling ctx
// tears down the overlay and returns the context error.
func Pick(ctx context.Context, page *rod.Page) (Result, error) {
	if page == nil {
		return Result{}, fmt.Errorf("picker: nil page")
	}

	res, err := page.Context(ctx).Evaluate(rod.Eval(overlayJS).ByPromise())
	if err != nil {
		// Best effort teardown: the overlay may still be up if the
		// context died while the promise was pending.
		_, _ = page.Eval(teardownJS)
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("picker: overlay failed: %w", err)
	}

	var out Result
	if err := json.Unmarshal([]byte(res.Value.JSON("", "")), &out); err != nil {
		return Result{}, fmt.Errorf("picker: decode result: %w", err)
	}
	return out, nil
}

// overlayJS resolves once with {selector, info, cancelled}. The selector is
// built id-first; without an id it walks up assembling the shortest path
// that stays unique, adding :nth-of-type only where siblings force it.
const overlayJS = `() => new Promise((resolve) => {
	const MARK = '__capsolvePicker';
	if (window[MARK]) { window[MARK].cancel(); }

	const box = document.createElement('div');
	box.style.cssText = 'position:fixed;pointer-events:none;z-index:2147483647;' +
		'border:2px solid #e53935;background:rgba(229,57,53,0.15);' +
		'transition:all 40ms;display:none;';
	document.documentElement.appendChild(box);

	const cssEscape = (s) => (window.CSS && CSS.escape) ? CSS.escape(s) : s.replace(/([^a-zA-Z0-9_-])/g, '\\$1');

	const selectorFor = (el) => {
		if (el.id) { return '#' + cssEscape(el.id); }
		const parts = [];
		let node = el;
		while (node && node.nodeType === 1 && node !== document.documentElement) {
			let part = node.tagName.toLowerCase();
			if (node.id) {
				parts.unshift('#' + cssEscape(node.id));
				break;
			}
			const parent = node.parentElement;
			if (parent) {
				const same = Array.from(parent.children).filter(c => c.tagName === node.tagName);
				if (same.length > 1) {
					part += ':nth-of-type(' + (same.indexOf(node) + 1) + ')';
				}
			}
			parts.unshift(part);
			const candidate = parts.join(' > ');
			if (document.querySelectorAll(candidate).length === 1) { return candidate; }
			node = parent;
		}
		return parts.join(' > ');
	};

	const describe = (el) => {
		const r = el.getBoundingClientRect();
		return el.tagName.toLowerCase() +
			(el.id ? '#' + el.id : '') +
			' ' + Math.round(r.width) + 'x' + Math.round(r.height);
	};

	let current = null;
	const onMove = (ev) => {
		const el = document.elementFromPoint(ev.clientX, ev.clientY);
		if (!el || el === current) { return; }
		current = el;
		const r = el.getBoundingClientRect();
		box.style.display = 'block';
		box.style.left = r.left + 'px';
		box.style.top = r.top + 'px';
		box.style.width = r.width + 'px';
		box.style.height = r.height + 'px';
	};

	const cleanup = () => {
		document.removeEventListener('mousemove', onMove, true);
		document.removeEventListener('click', onClick, true);
		document.removeEventListener('keydown', onKey, true);
		box.remove();
		delete window[MARK];
	};

	const onClick = (ev) => {
		ev.preventDefault();
		ev.stopPropagation();
		const el = document.elementFromPoint(ev.clientX, ev.clientY);
		cleanup();
		if (!el) {
			resolve({ selector: '', info: '', cancelled: true });
			return;
		}
		resolve({ selector: selectorFor(el), info: describe(el), cancelled: false });
	};

	const onKey = (ev) => {
		if (ev.key !== 'Escape') { return; }
		ev.preventDefault();
		cleanup();
		resolve({ selector: '', info: '', cancelled: true });
	};

	document.addEventListener('mousemove', onMove, true);
	document.addEventListener('click', onClick, true);
	document.addEventListener('keydown', onKey, true);

	window[MARK] = { cancel: () => { cleanup(); resolve({ selector: '', info: '', cancelled: true }); } };
})`

// teardownJS removes a still-pending overlay after the Go side gave up.
const teardownJS = `() => {
	const p = window.__capsolvePicker;
	if (p) { p.cancel(); }
}`
