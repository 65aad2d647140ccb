package detect

import (
	"github.com/agnivade/levenshtein"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/rules"
)

// compareStrings applies the configured similarity pass threshold before
// falling back to exact mismatch. Two strings whose normalized edit
// similarity meets the threshold are treated as equal.
func compareStrings(field, a, b string, tol rules.FieldTolerance) (model.Difference, bool) {
	if a == b {
		return model.Difference{}, false
	}
	if tol.SimilarityThreshold > 0 && Similarity(a, b) >= tol.SimilarityThreshold {
		return model.Difference{}, false
	}
	return model.Difference{
		Field:  field,
		Type:   model.DiffTypeString,
		ValueA: a,
		ValueB: b,
	}, true
}

// Similarity returns 1 - normalized Levenshtein distance, in [0, 1].
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
