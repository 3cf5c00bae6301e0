package models

import (
	"time"
)

// Input types accepted by the submission endpoint.
const (
	InputYouTube = "youtube"
	InputAudio   = "audio"
	InputText    = "text"
)

// GenerationStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Generation represents one content-repurposing job persisted in Postgres.
type Generation struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	InputType        string          `json:"input_type"`
	InputURL         *string         `json:"input_url,omitempty"`
	InputText        *string         `json:"input_text,omitempty"`
	Transcript       *string         `json:"transcript,omitempty"`
	Status           string          `json:"status"`
	Outputs          *ContentOutputs `json:"outputs,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	RetryCount       int             `json:"retry_count"`
	MaxRetries       int             `json:"max_retries"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	ClaimedAt        *time.Time      `json:"claimed_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ProcessingTimeMS *int64          `json:"processing_time_ms,omitempty"`
}

// CreditBalance is a per-user credit row. Decrements are guarded at the
// storage layer; the balance never goes negative.
type CreditBalance struct {
	UserID           string    `json:"user_id"`
	CreditsRemaining int       `json:"credits_remaining"`
	CreditsTotal     int       `json:"credits_total"`
	ResetsAt         time.Time `json:"resets_at"`
}
