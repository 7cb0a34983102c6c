package detect

// Answer-input matching, three tiers in decreasing confidence order. The
// first tier producing a result wins: explicit naming beats keyword plus
// proximity beats pure geometry.
const (
	// Tier (a): ancestor walk depth.
	matchAncestorLevels = 5
	// Tier (b): max combined |dx|+|dy| between element centers.
	maxKeywordDistance = 200
	// Tier (c): geometric fallback thresholds.
	maxRightGap    = 150
	maxRightSkew   = 50
	maxBelowGap    = 100
	maxBelowSkew   = 100
)

// matchInput finds the best answer input for a candidate element, or nil.
func matchInput(el ElementFacts, inputs []InputFacts) *InputFacts {
	if in := matchByAncestor(el, inputs); in != nil {
		return in
	}
	if in := matchByKeywordProximity(el, inputs); in != nil {
		return in
	}
	return matchByGeometry(el, inputs)
}

// matchByAncestor walks up to 5 ancestor levels from the candidate and looks
// for a keyword-named input anywhere inside that ancestor's subtree. The
// nearest enclosing ancestor wins, so sibling inputs beat page-level ones.
func matchByAncestor(el ElementFacts, inputs []InputFacts) *InputFacts {
	for level := 0; level < matchAncestorLevels && level < len(el.AncestorRefs); level++ {
		scope := el.AncestorRefs[level]
		for i := range inputs {
			in := &inputs[i]
			if !in.Visible || !inputMatchesKeyword(in) {
				continue
			}
			if containsRef(in.AncestorRefs, scope) {
				return in
			}
		}
	}
	return nil
}

// matchByKeywordProximity scans every text-like input in the document and
// accepts one that both matches keywords and sits within the combined
// offset budget of the candidate.
func matchByKeywordProximity(el ElementFacts, inputs []InputFacts) *InputFacts {
	for i := range inputs {
		in := &inputs[i]
		if !in.Visible || !inputMatchesKeyword(in) {
			continue
		}
		dx := abs(el.Box.centerX() - in.Box.centerX())
		dy := abs(el.Box.centerY() - in.Box.centerY())
		if dx+dy < maxKeywordDistance {
			return in
		}
	}
	return nil
}

// matchByGeometry is the positional fallback: an input immediately right of
// or immediately below the candidate, no keyword required.
func matchByGeometry(el ElementFacts, inputs []InputFacts) *InputFacts {
	for i := range inputs {
		in := &inputs[i]
		if !in.Visible {
			continue
		}

		// Immediately to the right, roughly on the same line.
		gap := in.Box.Left - el.Box.right()
		if gap >= 0 && gap < maxRightGap &&
			abs(el.Box.centerY()-in.Box.centerY()) <= maxRightSkew {
			return in
		}

		// Immediately below, roughly the same column.
		gap = in.Box.Top - el.Box.bottom()
		if gap >= 0 && gap < maxBelowGap &&
			abs(el.Box.centerX()-in.Box.centerX()) <= maxBelowSkew {
			return in
		}
	}
	return nil
}

func inputMatchesKeyword(in *InputFacts) bool {
	return matchesAnyKeyword(in.Name, in.ID, in.Placeholder, in.Class)
}

func containsRef(refs []string, ref string) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
