package engine

import (
	"fmt"

	"github.com/ppeguard/ppeguard/pkg/types"
)

var advice = map[types.Category]string{
	types.Helmet: "Please wear a safety helmet to protect your head from falling objects.",
	types.Mask:   "Please wear a face mask or respirator to protect against airborne hazards.",
	types.Gloves: "Please wear safety gloves to protect your hands from cuts and chemicals.",
	types.Jacket: "Please wear a high-visibility safety jacket for better visibility and protection.",
}

const compliantAdvice = "Great job! You are properly equipped with all required PPE."

// Recommendations returns worker-facing safety advice for v, one line per
// missing category.
func Recommendations(v Verdict) []string {
	if v.IsCompliant {
		return []string{compliantAdvice}
	}
	out := make([]string, 0, len(v.Missing))
	for _, c := range v.Missing {
		if a, ok := advice[c]; ok {
			out = append(out, a)
			continue
		}
		out = append(out, fmt.Sprintf("Please wear the required %s.", c))
	}
	return out
}
