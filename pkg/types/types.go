package types

import (
	"errors"
	"sort"
	"time"
)

// ErrConfiguration reports an invalid rule or request shape. It is fatal to
// the call that returned it and is never retried.
var ErrConfiguration = errors.New("configuration error")

// Category is one type of protective equipment the detector reports on.
type Category string

// Built-in PPE categories. Deployments may add more via configuration.
const (
	Helmet Category = "helmet"
	Mask   Category = "mask"
	Gloves Category = "gloves"
	Jacket Category = "jacket"
)

// DefaultCategories is the known category set used when none is configured.
func DefaultCategories() []Category {
	return []Category{Helmet, Mask, Gloves, Jacket}
}

// Detection is the detector's report for one category.
// Confidence is in [0, 1] and is 0 when Detected is false.
type Detection struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult maps each reported category to its detection.
// Categories the model said nothing about are simply absent.
type DetectionResult map[Category]Detection

// Clone returns an independent copy of r.
func (r DetectionResult) Clone() DetectionResult {
	out := make(DetectionResult, len(r))
	for c, d := range r {
		out[c] = d
	}
	return out
}

// Categories returns the categories present in r in lexical order.
func (r DetectionResult) Categories() []Category {
	out := make([]Category, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Channel is one external notification transport.
type Channel string

// Built-in channels.
const (
	ChannelSlack    Channel = "slack"    // chat
	ChannelEmail    Channel = "email"    // SendGrid
	ChannelWhatsApp Channel = "whatsapp" // messaging app via Twilio
	ChannelAMQP     Channel = "amqp"     // workflow bus
)

// Worker is the opaque worker context that travels with a compliance event.
type Worker struct {
	WorkerID   string `json:"worker_id"`
	Name       string `json:"name"`
	Department string `json:"department,omitempty"`
	Location   string `json:"location,omitempty"`
	Shift      string `json:"shift,omitempty"`
}

// Violation is one non-compliant event as published on the live feed.
type Violation struct {
	EventID   string     `json:"event_id"`
	RecordID  int64      `json:"record_id,omitempty"`
	Worker    Worker     `json:"worker"`
	Score     float64    `json:"compliance_score"`
	Missing   []Category `json:"missing_ppe"`
	AlertSent bool       `json:"alert_sent"`
	Channels  []Channel  `json:"channels_notified"`
	At        time.Time  `json:"timestamp"`
}
