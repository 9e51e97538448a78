package server

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse represents a standard JSON error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteJSONError writes a JSON error response with the given status code and message
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Tenants     int    `json:"tenants"`
	Connections int    `json:"connections"`
}

// HandleHealth handles GET requests to the health check endpoint
func (r *Registry) HandleHealth(w http.ResponseWriter, req *http.Request) {
	tenants, conns := r.stats()
	response := HealthResponse{
		Status:      "healthy",
		Message:     "go-syncdb is running",
		Tenants:     tenants,
		Connections: conns,
	}
	status := http.StatusOK
	if r.isClosed() {
		response.Status = "shutting_down"
		response.Message = "go-syncdb is shutting down"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}
