package models

// SessionDetails is the result of a successful reservation
type SessionDetails struct {
	SessionID     string `json:"sessionId"`
	WSConnectPath string `json:"wsConnectPath"`
	ContainerID   string `json:"-"`
}

// CreateSessionRequest is the payload for requesting a new session
type CreateSessionRequest struct {
	Region string `json:"region,omitempty"`
}

// CreateSessionResponse is returned by POST /v1/sessions
type CreateSessionResponse struct {
	SessionID     string `json:"sessionId"`
	WSConnectPath string `json:"wsConnectPath"`
	Region        string `json:"region"`
}

// ErrorResponse carries the error kind so callers can decide to retry
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
