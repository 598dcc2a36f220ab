package dto

type CreateGenerationRequest struct {
	Kind        string `json:"kind"`
	Prompt      string `json:"prompt" binding:"required"`
	Model       string `json:"model"`
	NumOutputs  int    `json:"numOutputs"`
	AspectRatio string `json:"aspectRatio"`
}

type CreateGenerationResponse struct {
	RequestID     string `json:"requestId"`
	ProcessingURL string `json:"processingUrl"`
}

type StatusResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	SetID     string `json:"setId,omitempty"`
	Error     string `json:"error,omitempty"`
	UpdatedAt string `json:"updatedAt"`
}

// StatusEvent is one frame on the WebSocket subscription stream.
type StatusEvent struct {
	// Type is status, redirect or not_found.
	Type        string          `json:"type"`
	Record      *StatusResponse `json:"record,omitempty"`
	RedirectURL string          `json:"redirectUrl,omitempty"`
}

type HealthResponse struct {
	Status  string       `json:"status"`
	Service string       `json:"service"`
	Queue   QueueHealth  `json:"queue"`
	Store   StoreHealth  `json:"store"`
}

type QueueHealth struct {
	Backend string `json:"backend"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type StoreHealth struct {
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}
