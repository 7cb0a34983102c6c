// Package capture turns a detected element into a self-contained PNG payload
// without re-fetching anything over the network. Each element kind gets its
// own strategy; all of them run as injected scripts against the live node so
// the pixels come from what the page already rendered, never from a second
// request that could rotate the CAPTCHA.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/capsolve/detect"
)

// Capture errors. All are CaptureError-class: they occur before any provider
// call and are surfaced directly to the caller, never retried.
var (
	ErrUnsupportedKind = errors.New("capture: unsupported element kind")
	ErrDetached        = errors.New("capture: element detached from document")
	ErrZeroArea        = errors.New("capture: element has zero rendered area")
	ErrCrossOrigin     = errors.New("capture: cross-origin pixels are unreadable without CORS cooperation")
	ErrInvalidCapture  = errors.New("capture: payload below minimum plausible image size")
)

// Evaluator is the capability capture needs from the page: run a JS function
// with the referenced element bound as its argument and return the string
// result. Script exceptions come back as errors with the thrown message.
// Implemented over rod in package solver.
type Evaluator interface {
	EvalOnRef(ctx context.Context, ref string, js string) (string, error)
}

// Strategy captures candidates through an Evaluator.
type Strategy struct {
	ev  Evaluator
	log *slog.Logger
}

// New creates a Strategy. A nil logger falls back to slog.Default.
func New(ev Evaluator, log *slog.Logger) *Strategy {
	if log == nil {
		log = slog.Default()
	}
	return &Strategy{ev: ev, log: log}
}

// Capture produces the pixel payload for a candidate. The caller is expected
// to have re-validated liveness via detect.Detector.IsAttached; a stale ref
// still fails safely here with ErrDetached.
func (s *Strategy) Capture(ctx context.Context, c *detect.Candidate) (Payload, error) {
	if c == nil {
		return Payload{}, ErrDetached
	}
	if c.Box.Width <= 0 || c.Box.Height <= 0 {
		return Payload{}, fmt.Errorf("%w (%gx%g)", ErrZeroArea, c.Box.Width, c.Box.Height)
	}

	var js string
	switch c.Kind {
	case detect.KindCanvas:
		js = canvasCaptureJS
	case detect.KindImage:
		js = imageCaptureJS
	case detect.KindVector:
		js = svgCaptureJS
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, c.Kind)
	}

	uri, err := s.ev.EvalOnRef(ctx, c.Ref, js)
	if err != nil {
		return Payload{}, classifyScriptError(err)
	}

	payload, err := DecodeDataURI(uri)
	if err != nil {
		return Payload{}, err
	}
	if len(payload.Data) < MinPayloadBytes {
		return Payload{}, fmt.Errorf("%w: %d bytes", ErrInvalidCapture, len(payload.Data))
	}

	s.log.Debug("capture: ok", "kind", c.Kind, "mime", payload.MIME, "bytes", len(payload.Data))
	return payload, nil
}

// classifyScriptError maps thrown script messages onto the capture error
// taxonomy so callers can distinguish taint failures from stale references.
func classifyScriptError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "tainted") ||
		strings.Contains(msg, "securityerror") ||
		strings.Contains(msg, "cross-origin"):
		return fmt.Errorf("%w: %s", ErrCrossOrigin, err.Error())
	case strings.Contains(msg, "detached") ||
		strings.Contains(msg, "not attached") ||
		strings.Contains(msg, "node with given id does not belong"):
		return fmt.Errorf("%w: %s", ErrDetached, err.Error())
	default:
		return fmt.Errorf("capture: %w", err)
	}
}

// canvasCaptureJS serialises a canvas surface directly. Tainted surfaces
// throw a SecurityError which surfaces as-is.
const canvasCaptureJS = `function () {
	if (!this.isConnected) throw new Error('detached');
	return this.toDataURL('image/png');
}`

// imageCaptureJS snapshots an <img> from its already-rendered bitmap. It
// never assigns src or issues a fetch: re-requesting the resource risks the
// server rotating the CAPTCHA and invalidating the scanned state. It waits
// up to 5s for an in-flight load (poll + load/error events), then draws the
// bitmap at natural resolution onto an offscreen canvas. If that canvas is
// tainted, an inline data: source is returned verbatim; anything else is a
// dead end without CORS cooperation.
const imageCaptureJS = `async function () {
	const img = this;
	if (!img.isConnected) throw new Error('detached');

	if (!(img.complete && img.naturalWidth > 0)) {
		await new Promise((resolve, reject) => {
			const deadline = Date.now() + 5000;
			const timer = setInterval(() => {
				if (img.complete && img.naturalWidth > 0) { done(); resolve(); }
				else if (Date.now() > deadline) { done(); reject(new Error('image load timed out')); }
			}, 100);
			const onLoad = () => { done(); resolve(); };
			const onError = () => { done(); reject(new Error('image failed to load')); };
			function done() {
				clearInterval(timer);
				img.removeEventListener('load', onLoad);
				img.removeEventListener('error', onError);
			}
			img.addEventListener('load', onLoad);
			img.addEventListener('error', onError);
		});
	}

	const canvas = document.createElement('canvas');
	canvas.width = img.naturalWidth;
	canvas.height = img.naturalHeight;
	canvas.getContext('2d').drawImage(img, 0, 0);
	try {
		return canvas.toDataURL('image/png');
	} catch (e) {
		if (img.src && img.src.startsWith('data:')) return img.src;
		throw new Error('cross-origin: ' + e.message);
	}
}`

// svgCaptureJS rasterises an inline <svg>. The clone gets explicit
// width/height stamped from the rendered box because serialised vectors
// without dimensions rasterise ambiguously. The transient object URL is
// revoked on every exit path.
const svgCaptureJS = `async function () {
	const svg = this;
	if (!svg.isConnected) throw new Error('detached');

	const rect = svg.getBoundingClientRect();
	const clone = svg.cloneNode(true);
	clone.setAttribute('width', rect.width);
	clone.setAttribute('height', rect.height);

	const markup = new XMLSerializer().serializeToString(clone);
	const url = URL.createObjectURL(new Blob([markup], {type: 'image/svg+xml;charset=utf-8'}));
	try {
		const img = await new Promise((resolve, reject) => {
			const i = new Image();
			i.onload = () => resolve(i);
			i.onerror = () => reject(new Error('svg rasterisation failed'));
			i.src = url;
		});
		const canvas = document.createElement('canvas');
		canvas.width = rect.width;
		canvas.height = rect.height;
		canvas.getContext('2d').drawImage(img, 0, 0, rect.width, rect.height);
		return canvas.toDataURL('image/png');
	} finally {
		URL.revokeObjectURL(url);
	}
}`
