package models

import (
	"time"
)

// SessionStatus is a point-in-time view of a running acquisition session
type SessionStatus struct {
	ID                   string          `json:"id" doc:"Session unique identifier"`
	Running              bool            `json:"running"`
	StartedAt            time.Time       `json:"started_at"`
	Acquisitions         int             `json:"acquisitions" doc:"Published acquisitions"`
	SkippedTicks         int             `json:"skipped_ticks" doc:"Ticks skipped because of non-fatal errors"`
	TriggerTimeouts      int             `json:"trigger_timeouts"`
	RBW                  float64         `json:"rbw_hz"`
	MinRBW               float64         `json:"min_rbw_hz"`
	MaxRBW               float64         `json:"max_rbw_hz"`
	Channels             []ChannelConfig `json:"channels"`
	SupportedAttenuation []int           `json:"supported_attenuation_db"`
	Extrema              Extrema         `json:"extrema"`
	LastAcquisition      *time.Time      `json:"last_acquisition,omitempty"`
}

// SessionStats are the final statistics surfaced when a session shuts down
type SessionStats struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	Acquisitions    int       `json:"acquisitions"`
	SkippedTicks    int       `json:"skipped_ticks"`
	TriggerTimeouts int       `json:"trigger_timeouts"`
	Extrema         Extrema   `json:"extrema"`
}

// SessionRecord represents a persisted session (for internal use)
type SessionRecord struct {
	ID                string     `json:"id"`
	InstrumentAddress string     `json:"instrument_address"`
	StartedAt         time.Time  `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	Acquisitions      int        `json:"acquisitions"`
	SkippedTicks      int        `json:"skipped_ticks"`
	TriggerTimeouts   int        `json:"trigger_timeouts"`
	GlobalMin         *float64   `json:"global_min,omitempty"`
	GlobalMax         *float64   `json:"global_max,omitempty"`
	ErrorMsg          *string    `json:"error_message,omitempty"`
}

// AcquisitionSummary is the persisted digest of one acquisition.
// Raw sample buffers are never stored.
type AcquisitionSummary struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	Sequence        int            `json:"sequence"`
	Timestamp       time.Time      `json:"timestamp"`
	Elapsed         float64        `json:"elapsed"`
	SampleRate      float64        `json:"sample_rate"`
	RBW             float64        `json:"rbw_hz"`
	TriggerTimedOut bool           `json:"trigger_timed_out"`
	FillTimedOut    bool           `json:"fill_timed_out"`
	Channels        []ChannelStats `json:"channels"`
	Missing         []int          `json:"missing,omitempty"`
}
