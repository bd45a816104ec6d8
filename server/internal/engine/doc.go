// Package engine turns raw per-category detection results into a compliance
// verdict.
//
// Evaluate(results, rule) is pure and deterministic: no I/O, no clock, no
// shared state. A positive detection below rule.ConfidenceFloor counts as not
// detected. The score is the share of required categories effectively
// detected (0–100); compliance is a strict AND across the required set, so a
// single missing item is non-compliant regardless of the score.
//
// The only error is types.ErrConfiguration for an empty required set or a
// confidence floor outside [0, 1].
package engine
