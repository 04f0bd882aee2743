package models

import (
	"time"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Body struct {
		Status  string    `json:"status" example:"healthy" doc:"Service health status"`
		Version string    `json:"version" example:"1.0.0" doc:"API version"`
		Time    time.Time `json:"time" doc:"Current server time"`
	}
}

// GetSessionStatusResponse represents the current state of the acquisition session
type GetSessionStatusResponse struct {
	Body SessionStatus
}

// SetRBWRequestBody is the body of the set RBW request
type SetRBWRequestBody struct {
	RBW float64 `json:"rbw_hz" required:"true" doc:"Requested resolution bandwidth in Hz"`
}

// SetRBWRequest represents a request to change the resolution bandwidth
type SetRBWRequest struct {
	Body SetRBWRequestBody
}

// SetRBWResponseBody is the body of the set RBW response
type SetRBWResponseBody struct {
	RBW     float64 `json:"rbw_hz" doc:"Resolution bandwidth in effect"`
	Clamped bool    `json:"clamped" doc:"True when the request was clamped to the supported range"`
}

// SetRBWResponse represents the response from changing the RBW
type SetRBWResponse struct {
	Body SetRBWResponseBody
}

// SetAttenuationRequestBody is the body of the set attenuation request
type SetAttenuationRequestBody struct {
	AttenuationDB int `json:"attenuation_db" required:"true" doc:"Attenuation in dB (one of the supported steps)"`
}

// SetAttenuationRequest represents a request to change the attenuation of one channel
type SetAttenuationRequest struct {
	Channel int `path:"channel" minimum:"1" doc:"Input channel (1-based)"`
	Body    SetAttenuationRequestBody
}

// SetAttenuationResponse represents the response from changing a channel's attenuation
type SetAttenuationResponse struct {
	Body ChannelConfig
}

// GetSpectrumRequest represents a request for the latest spectrum of one channel
type GetSpectrumRequest struct {
	Channel int `path:"channel" minimum:"1" doc:"Input channel (1-based)"`
}

// GetSpectrumResponseBody is the body of the spectrum response
type GetSpectrumResponseBody struct {
	Channel         int              `json:"channel"`
	AcquisitionID   string           `json:"acquisition_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Mode            SpectrumMode     `json:"mode"`
	RBW             float64          `json:"rbw_hz"`
	EffectiveRBW    float64          `json:"effective_rbw_hz"`
	Window          int              `json:"window"`
	TriggerTimedOut bool             `json:"trigger_timed_out"`
	FrequencyData   []FrequencyPoint `json:"frequency_data" doc:"Spectrum bins"`
}

// GetSpectrumResponse represents the latest spectrum of one channel
type GetSpectrumResponse struct {
	Body GetSpectrumResponseBody
}

// GetWaveformRequest represents a request for the latest time-domain buffer of one channel
type GetWaveformRequest struct {
	Channel   int `path:"channel" minimum:"1" doc:"Input channel (1-based)"`
	MaxPoints int `query:"max_points" default:"4096" minimum:"0" maximum:"65536" doc:"Upper bound on returned samples; 0 returns the full buffer"`
}

// GetWaveformResponseBody is the body of the waveform response
type GetWaveformResponseBody struct {
	Channel         int             `json:"channel"`
	AcquisitionID   string          `json:"acquisition_id"`
	Timestamp       time.Time       `json:"timestamp"`
	SampleRate      float64         `json:"sample_rate"`
	Stride          int             `json:"stride" doc:"Distance between returned samples"`
	Length          int             `json:"length" doc:"Samples in the full buffer"`
	TriggerTimedOut bool            `json:"trigger_timed_out"`
	YMin            float64         `json:"y_min" doc:"Suggested lower display limit in volts"`
	YMax            float64         `json:"y_max" doc:"Suggested upper display limit in volts"`
	Samples         []WaveformPoint `json:"samples"`
}

// GetWaveformResponse represents the latest waveform of one channel
type GetWaveformResponse struct {
	Body GetWaveformResponseBody
}

// GetLatestAcquisitionResponseBody is the body of the latest acquisition response
type GetLatestAcquisitionResponseBody struct {
	Sequence    int            `json:"sequence"`
	Acquisition *Acquisition   `json:"acquisition"`
	Stats       []ChannelStats `json:"stats"`
	Extrema     Extrema        `json:"extrema"`
}

// GetLatestAcquisitionResponse represents the most recent acquisition
type GetLatestAcquisitionResponse struct {
	Body GetLatestAcquisitionResponseBody
}

// ListAcquisitionsRequest represents a request for persisted acquisition summaries
type ListAcquisitionsRequest struct {
	ID    string `path:"id" doc:"Session ID"`
	Limit int    `query:"limit" minimum:"1" maximum:"1000" default:"50" doc:"Maximum number of summaries"`
}

// ListAcquisitionsResponseBody is the body of the list acquisitions response
type ListAcquisitionsResponseBody struct {
	Session      *SessionRecord        `json:"session"`
	Acquisitions []*AcquisitionSummary `json:"acquisitions"`
}

// ListAcquisitionsResponse represents the persisted acquisitions of a session
type ListAcquisitionsResponse struct {
	Body ListAcquisitionsResponseBody
}
