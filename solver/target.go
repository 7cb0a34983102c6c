package solver

import (
	"context"
	"time"

	"github.com/go-rod/rod"
)

// elementTarget drives one stamped input element as a fill target. Events
// are dispatched in page context rather than through CDP input injection:
// the pages being filled listen for DOM events, and synthesising them
// directly keeps the sequencing deterministic.
type elementTarget struct {
	dom *PageDOM
	ref string
}

// Target returns a fill target for a stamped input ref.
func (p *PageDOM) Target(ref string) *elementTarget {
	return &elementTarget{dom: p, ref: ref}
}

func (t *elementTarget) eval(ctx context.Context, js string, args ...any) (*rod.Element, string, error) {
	el, err := t.dom.element(ctx, t.ref)
	if err != nil {
		return nil, "", err
	}
	res, err := el.Eval(js, args...)
	if err != nil {
		return nil, "", err
	}
	return el, res.Value.Str(), nil
}

func (t *elementTarget) Focus(ctx context.Context) error {
	_, _, err := t.eval(ctx, `function () { this.focus(); return ''; }`)
	return err
}

func (t *elementTarget) SetValue(ctx context.Context, value string) error {
	_, _, err := t.eval(ctx, `function (v) { this.value = v; return ''; }`, value)
	return err
}

func (t *elementTarget) AppendChar(ctx context.Context, ch rune) error {
	_, _, err := t.eval(ctx, `function (c) { this.value += c; return ''; }`, string(ch))
	return err
}

func (t *elementTarget) DispatchKey(ctx context.Context, phase string, ch rune) error {
	_, _, err := t.eval(ctx,
		`function (phase, key) {
			this.dispatchEvent(new KeyboardEvent(phase, { key: key, bubbles: true, cancelable: true }));
			return '';
		}`, phase, string(ch))
	return err
}

func (t *elementTarget) DispatchInput(ctx context.Context) error {
	_, _, err := t.eval(ctx,
		`function () { this.dispatchEvent(new Event('input', { bubbles: true })); return ''; }`)
	return err
}

func (t *elementTarget) DispatchChange(ctx context.Context) error {
	_, _, err := t.eval(ctx,
		`function () { this.dispatchEvent(new Event('change', { bubbles: true })); return ''; }`)
	return err
}

func (t *elementTarget) Blur(ctx context.Context) error {
	_, _, err := t.eval(ctx, `function () { this.blur(); return ''; }`)
	return err
}

// Highlight outlines the element and schedules the revert in page context,
// so it survives the Go call returning.
func (t *elementTarget) Highlight(ctx context.Context, d time.Duration) error {
	_, _, err := t.eval(ctx,
		`function (ms) {
			const prev = this.style.outline;
			this.style.outline = '2px solid #43a047';
			setTimeout(() => { this.style.outline = prev; }, ms);
			return '';
		}`, d.Milliseconds())
	return err
}

// SubmitForm fires a cancelable submit event on the enclosing form. When no
// listener cancels it, the form is submitted natively. false with nil error
// means the element has no form.
func (t *elementTarget) SubmitForm(ctx context.Context) (bool, error) {
	_, out, err := t.eval(ctx,
		`function () {
			const form = this.closest('form');
			if (!form) { return 'none'; }
			const ev = new Event('submit', { bubbles: true, cancelable: true });
			if (form.dispatchEvent(ev)) { form.submit(); }
			return 'submitted';
		}`)
	if err != nil {
		return false, err
	}
	return out == "submitted", nil
}

// ClickSubmitControl clicks a submit-typed control inside the enclosing
// form, or failing that inside a few ancestor levels.
func (t *elementTarget) ClickSubmitControl(ctx context.Context) (bool, error) {
	_, out, err := t.eval(ctx,
		`function () {
			const sel = 'button[type="submit"], input[type="submit"], button:not([type])';
			let scope = this.closest('form');
			if (!scope) {
				scope = this.parentElement;
				for (let i = 0; scope && i < 3 && !scope.querySelector(sel); i++) {
					scope = scope.parentElement;
				}
			}
			const btn = scope && scope.querySelector(sel);
			if (!btn) { return 'none'; }
			btn.click();
			return 'clicked';
		}`)
	if err != nil {
		return false, err
	}
	return out == "clicked", nil
}

// PressEnter runs the full Enter key sequence on the element itself.
func (t *elementTarget) PressEnter(ctx context.Context) error {
	_, _, err := t.eval(ctx,
		`function () {
			for (const phase of ['keydown', 'keypress', 'keyup']) {
				this.dispatchEvent(new KeyboardEvent(phase, { key: 'Enter', keyCode: 13, bubbles: true, cancelable: true }));
			}
			return '';
		}`)
	return err
}
