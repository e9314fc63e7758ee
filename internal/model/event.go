// Package model defines the core domain types shared across packages.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventStatus is the processing state of a webhook event.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
// Terminal rows are only ever touched again by the cleanup sweeper.
func (s EventStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is a single webhook submission and its processing state.
// One row exists per idempotency key, ever.
type Event struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         EventStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	RetryAfter     *time.Time      `json:"retry_after,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WebhookRequest is the intake submission body.
type WebhookRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
}

// Validate checks that all required submission fields are present.
func (r WebhookRequest) Validate() error {
	if r.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if r.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	return nil
}

// WebhookResponse is the intake response body (202 accepted / 200 duplicate).
type WebhookResponse struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// EventView is the full event representation returned by lookup endpoints.
type EventView struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// NewWebhookResponse builds the intake response from an event.
func NewWebhookResponse(ev Event) WebhookResponse {
	return WebhookResponse{
		ID:             ev.ID,
		IdempotencyKey: ev.IdempotencyKey,
		Status:         string(ev.Status),
		CreatedAt:      ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewEventView builds the lookup response from an event.
func NewEventView(ev Event) EventView {
	return EventView{
		ID:             ev.ID,
		IdempotencyKey: ev.IdempotencyKey,
		Status:         string(ev.Status),
		CreatedAt:      ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      ev.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
