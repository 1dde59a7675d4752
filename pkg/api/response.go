package api

// Map is a convenience type for map[string]any
type Map map[string]any

// ApiError represents an error in the API response
type ApiError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Detail  any    `json:"detail,omitempty"`
}

// ApiResponse is the standard local API response structure
type ApiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *ApiError `json:"error,omitempty"`
}
