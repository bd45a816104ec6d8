// Package receiver runs the intake pipeline behind every compliance check:
// detect, evaluate, persist, alert, publish.
//
// Check resolves the worker (creating an "Unknown" profile on first sight),
// obtains detections from the caller or the Roboflow detector, evaluates them
// against the active rule and stores the record. A violation is dispatched to
// the requested or default channels and pushed to the live feed.
//
// Checks are idempotent by event_id: the record insert is the claim, so only
// the check that stores the record dispatches. A repeated event_id returns
// the stored outcome with duplicate=true.
//
// The rule and default channels live behind atomic pointers and are swapped
// on config reload.
package receiver
