package types

// SendRequest is the body of POST /chat.
type SendRequest struct {
	// Required user message text.
	// example: Write a haiku about the ocean.
	Content string `json:"content" example:"Write a haiku about the ocean."`
}

// ActivateRequest is the body of POST /models/{id}/activate. Empty for
// now; reserved for per-activation options.
type ActivateRequest struct{}

// ModelStatus summarizes one declared model for GET /models.
type ModelStatus struct {
	// Stable identifier for the model.
	// example: Llama-3-8B-Instruct-q4f16_1-MLC
	ModelID string `json:"model_id" example:"Llama-3-8B-Instruct-q4f16_1-MLC"`
	// Engine library identifier.
	// example: llama_q4f16_1
	ModelLib string `json:"model_lib" example:"llama_q4f16_1"`
	// Estimated resource footprint in bytes.
	// example: 4348727787
	EstimatedVRAMBytes int64 `json:"estimated_vram_bytes" example:"4348727787"`
	// Provisioning state (initializing, indexing, paused, downloading, pausing, finished).
	// example: paused
	State string `json:"state" example:"paused"`
	// Number of files verified present.
	// example: 3
	Progress int `json:"progress" example:"3"`
	// Total number of files the model needs.
	// example: 5
	Total int `json:"total" example:"5"`
	// True when every declared file exists locally.
	// example: false
	Ready bool `json:"ready" example:"false"`
}

// ModelsResponse wraps the list returned by GET /models.
type ModelsResponse struct {
	Models []ModelStatus `json:"models"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Currently active model id, empty when none is loaded.
	// example: Llama-3-8B-Instruct-q4f16_1-MLC
	ActiveModel string `json:"active_model,omitempty"`
	// Number of turns retained for inference context.
	// example: 4
	HistoryLen int `json:"history_len" example:"4"`
	// Declared models and their provisioning state.
	Models []ModelStatus `json:"models"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not ready: Llama-3-8B-Instruct-q4f16_1-MLC
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}
