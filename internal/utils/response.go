package utils

import "time"

// APIResponse is the envelope every storyforge endpoint answers with. Status
// is "ok" or "error"; Detail carries the machine-readable error cause and is
// absent on success.
type APIResponse struct {
	Status   string      `json:"status"`
	Message  string      `json:"message"`
	Data     interface{} `json:"data,omitempty"`
	Detail   string      `json:"detail,omitempty"`
	ServedAt time.Time   `json:"served_at"`
}

func SuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{
		Status:   "ok",
		Message:  message,
		Data:     data,
		ServedAt: time.Now().UTC(),
	}
}

func ErrorResponse(message, detail string) APIResponse {
	return APIResponse{
		Status:   "error",
		Message:  message,
		Detail:   detail,
		ServedAt: time.Now().UTC(),
	}
}
