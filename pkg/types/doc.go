// Package types defines the vocabulary shared by every ppeguard package:
// PPE categories, per-category detection results, notification channels,
// workers, live-feed violations and the configuration error sentinel.
//
// Categories and channels are plain strings so new values can be introduced
// through configuration without touching the decision or dispatch code.
package types
