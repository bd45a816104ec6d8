package api

import (
	"time"

	"github.com/ppeguard/ppeguard/pkg/types"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status    string             `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Rule      *RuleResponse      `json:"rule,omitempty"`
	Totals    map[string]float64 `json:"totals,omitempty"`
}

// RuleResponse describes the active compliance rule.
type RuleResponse struct {
	Required        []types.Category `json:"required"`
	ConfidenceFloor float64          `json:"confidence_floor"`
}

// WebhookResponse wraps the result of an automation callback.
type WebhookResponse struct {
	Status string      `json:"status"`
	Type   string      `json:"type"`
	Result interface{} `json:"result"`
}

// errorResponse is the standard error body.
type errorResponse struct {
	Error string `json:"error"`
}
