package engine

import (
	"fmt"
	"math"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// Rule is the per-deployment compliance policy.
type Rule struct {
	// Required lists the categories that must all be present. Must be non-empty.
	Required []types.Category

	// ConfidenceFloor is the minimum confidence for a positive detection to
	// count.
	ConfidenceFloor float64

	// Known is the full category set reported in a verdict.
	// Defaults to types.DefaultCategories when empty.
	Known []types.Category
}

// Validate checks the structural constraints on r.
func (r Rule) Validate() error {
	if len(r.Required) == 0 {
		return fmt.Errorf("%w: rule requires at least one category", types.ErrConfiguration)
	}
	if math.IsNaN(r.ConfidenceFloor) || r.ConfidenceFloor < 0 || r.ConfidenceFloor > 1 {
		return fmt.Errorf("%w: confidence floor %v is out of range [0, 1]",
			types.ErrConfiguration, r.ConfidenceFloor)
	}
	for _, c := range r.Required {
		if c == "" {
			return fmt.Errorf("%w: empty required category", types.ErrConfiguration)
		}
	}
	return nil
}

// Verdict is the outcome of evaluating one detection result.
type Verdict struct {
	IsCompliant bool `json:"is_compliant"`

	// Score is the percentage of required categories effectively detected.
	Score float64 `json:"score"`

	// PerCategory holds every known category with the confidence exactly as
	// the model reported it. Categories absent from the model output appear
	// as not detected with zero confidence.
	PerCategory types.DetectionResult `json:"per_category"`

	// Missing lists required categories that were not effectively detected,
	// in rule order.
	Missing []types.Category `json:"missing"`
}

// Evaluate computes the compliance verdict for results under rule.
func Evaluate(results types.DetectionResult, rule Rule) (Verdict, error) {
	if err := rule.Validate(); err != nil {
		return Verdict{}, err
	}

	required := dedupe(rule.Required)

	known := rule.Known
	if len(known) == 0 {
		known = types.DefaultCategories()
	}

	per := make(types.DetectionResult, len(known)+len(required))
	for _, c := range known {
		per[c] = types.Detection{}
	}
	for _, c := range required {
		per[c] = types.Detection{}
	}
	for c, d := range results {
		per[c] = d
	}

	var detected int
	missing := make([]types.Category, 0, len(required))
	for _, c := range required {
		if effective(per[c], rule.ConfidenceFloor) {
			detected++
		} else {
			missing = append(missing, c)
		}
	}

	return Verdict{
		IsCompliant: len(missing) == 0,
		Score:       100 * float64(detected) / float64(len(required)),
		PerCategory: per,
		Missing:     missing,
	}, nil
}

// Effective reports whether d counts as a detection under floor.
func Effective(d types.Detection, floor float64) bool {
	return effective(d, floor)
}

func effective(d types.Detection, floor float64) bool {
	return d.Detected && d.Confidence >= floor
}

// dedupe returns cs without repeated entries, preserving first occurrence.
func dedupe(cs []types.Category) []types.Category {
	seen := make(map[types.Category]struct{}, len(cs))
	out := make([]types.Category, 0, len(cs))
	for _, c := range cs {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
