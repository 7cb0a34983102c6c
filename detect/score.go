package detect

// Size envelope for plausible CAPTCHA renderings, in CSS pixels. Bounds
// false positives from icons and full-width banners while covering the
// common 4-6 glyph formats.
const (
	minWidth  = 50
	maxWidth  = 300
	minHeight = 20
	maxHeight = 100
)

// ancestorKeywordDepth is how many ancestor levels contribute keyword
// evidence to the score.
const ancestorKeywordDepth = 3

func inEnvelope(b Box) bool {
	return b.Width >= minWidth && b.Width <= maxWidth &&
		b.Height >= minHeight && b.Height <= maxHeight
}

// Weights are the additive confidence contributions of the five independent
// signals. The defaults are empirical constants, biased toward "has an
// associated input" as the strongest real-world signal; treat them as
// tunable configuration but do not change the defaults without evidence.
type Weights struct {
	OwnKeyword      int `yaml:"own_keyword"`      // class or id matches
	SrcKeyword      int `yaml:"src_keyword"`      // source URL matches
	AncestorKeyword int `yaml:"ancestor_keyword"` // ancestor within 3 levels matches
	LinkedInput     int `yaml:"linked_input"`     // an answer input was found
	SizeEnvelope    int `yaml:"size_envelope"`    // rendered size in envelope
}

// DefaultWeights returns the standard signal weights.
func DefaultWeights() Weights {
	return Weights{
		OwnKeyword:      30,
		SrcKeyword:      20,
		AncestorKeyword: 15,
		LinkedInput:     25,
		SizeEnvelope:    10,
	}
}

// Score computes the confidence for an element that already passed the
// envelope and visibility gates. Signals are independent, not mutually
// exclusive; the sum is capped at 100.
func (w Weights) Score(el ElementFacts, hasInput bool) int {
	score := 0
	if matchesAnyKeyword(el.Class, el.ID) {
		score += w.OwnKeyword
	}
	if matchesKeyword(el.Src) {
		score += w.SrcKeyword
	}
	if ancestorMatches(el) {
		score += w.AncestorKeyword
	}
	if hasInput {
		score += w.LinkedInput
	}
	if inEnvelope(el.Box) {
		score += w.SizeEnvelope
	}
	if score > 100 {
		score = 100
	}
	return score
}

func ancestorMatches(el ElementFacts) bool {
	for i, t := range el.AncestorText {
		if i >= ancestorKeywordDepth {
			break
		}
		if matchesKeyword(t) {
			return true
		}
	}
	return false
}

// accept decides whether an element (already inside the envelope and
// visible) becomes a candidate at all: any one positive signal suffices.
func accept(el ElementFacts, input *InputFacts) bool {
	return matchesAnyKeyword(el.Class, el.ID) ||
		matchesKeyword(el.Src) ||
		matchesAnyKeyword(el.Alt, el.Label) ||
		ancestorMatches(el) ||
		input != nil
}
