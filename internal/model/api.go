package model

import (
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes returned in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// PipelineDetail is the response body for GET /api/pipelines/{id}:
// the run plus its full transition history.
type PipelineDetail struct {
	Run         PipelineRun       `json:"run"`
	Transitions []StateTransition `json:"transitions"`
	Gates       []GateResult      `json:"gates"`
	Sessions    []AgentSession    `json:"sessions"`
}

// GateCompleteRequest is the body of the gate-completion callback, invoked
// by the gate workflow itself at the end of its execution.
type GateCompleteRequest struct {
	RunID     string `json:"run_id"`
	Gate      string `json:"gate"`
	Status    string `json:"status"` // "passed" | "failed"
	CommitSHA string `json:"commit_sha"`
}

// JudgmentCompleteRequest is the body of the judgment callback.
type JudgmentCompleteRequest struct {
	RunID   string `json:"run_id"`
	Verdict string `json:"verdict"` // "approved" | "rejected"
}

// DeployCompleteRequest is the body of the deployment-result callback.
type DeployCompleteRequest struct {
	RunID       string `json:"run_id"`
	Environment string `json:"environment"`
	Status      string `json:"status"` // "succeeded" | "failed"
}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse is the body returned by POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
