package edgehttp

// CSRFResponse hands the current token to page scripts, which send it back
// in the X-CSRF-Token header when header echo is enabled.
type CSRFResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// RateLimitStatusResponse is the caller's quota for one path.
type RateLimitStatusResponse struct {
	Success   bool   `json:"success"`
	Path      string `json:"path"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   int64  `json:"resetAt"`
}

// HealthResponse backs /api/health (liveness) and /api/status (readiness).
type HealthResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorResponse matches the rejection bodies the edge guards send.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}
