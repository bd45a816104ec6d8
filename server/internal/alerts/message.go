package alerts

import (
	"fmt"
	"strings"
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
	"github.com/ppeguard/ppeguard/server/internal/engine"
)

const timeLayout = "2006-01-02 15:04:05"

// BuildMessage renders the plain-text violation summary used as the alert
// message when the caller does not supply one.
func BuildMessage(w types.Worker, v engine.Verdict, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PPE Non-Compliance Alert for %s (ID: %s)\n", orUnknown(w.Name), w.WorkerID)
	fmt.Fprintf(&b, "Missing PPE: %s\n", joinCategories(v.Missing))
	fmt.Fprintf(&b, "Compliance Score: %.1f%%\n", v.Score)
	fmt.Fprintf(&b, "Location: %s\n", orUnknown(w.Location))
	fmt.Fprintf(&b, "Time: %s", at.UTC().Format(timeLayout))
	return b.String()
}

// ppeLines renders one status line per category of v in a stable order.
func ppeLines(v engine.Verdict, detectedMark, missingMark string) []string {
	lines := make([]string, 0, len(v.PerCategory))
	for _, c := range v.PerCategory.Categories() {
		d := v.PerCategory[c]
		if d.Detected {
			lines = append(lines, fmt.Sprintf("%s: %s (%.1f%%)", title(c), detectedMark, d.Confidence*100))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s", title(c), missingMark))
		}
	}
	return lines
}

func statusText(v engine.Verdict) string {
	if v.IsCompliant {
		return "COMPLIANT"
	}
	return "NON-COMPLIANT"
}

func joinCategories(cs []types.Category) string {
	if len(cs) == 0 {
		return "none"
	}
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ", ")
}

func title(c types.Category) string {
	s := string(c)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
