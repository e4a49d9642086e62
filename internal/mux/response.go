package mux

import (
	"encoding/json"
	"regexp"
	"time"
)

// Classification labels a plain-text payload when no JSON structure is
// present.
type Classification string

const (
	// ClassificationJSON means the payload parsed as JSON
	ClassificationJSON Classification = "json"

	// ClassificationSuccess means the text matched success language or
	// nothing suspicious
	ClassificationSuccess Classification = "success"

	// ClassificationError means the text matched error language and no
	// success language
	ClassificationError Classification = "error"
)

// Response is the resolved result of one command.
type Response struct {
	// Success is true for JSON payloads and non-error text
	Success bool `json:"success"`

	// Data holds the parsed JSON payload; nil for plain text
	Data any `json:"data,omitempty"`

	// Text is the raw payload as received
	Text string `json:"text,omitempty"`

	// Error carries the payload text when classified as an error
	Error string `json:"error,omitempty"`

	// Classification tags how the payload was interpreted
	Classification Classification `json:"classification"`

	// ExecutionTime is measured from dispatch to resolution
	ExecutionTime time.Duration `json:"executionTime"`

	// Timestamp is when the response was resolved
	Timestamp time.Time `json:"timestamp"`
}

var (
	errTextRe     = regexp.MustCompile(`(?i)error|failed|exception|invalid|denied|forbidden`)
	successTextRe = regexp.MustCompile(`(?i)success|completed|done|ok|ready`)
)

// parsePayload interprets a raw payload line: JSON first, then text
// classified by the success/error language heuristics.
func parsePayload(payload string) Response {
	var data any
	if err := json.Unmarshal([]byte(payload), &data); err == nil {
		return Response{
			Success:        true,
			Data:           data,
			Text:           payload,
			Classification: ClassificationJSON,
		}
	}

	if errTextRe.MatchString(payload) && !successTextRe.MatchString(payload) {
		return Response{
			Success:        false,
			Text:           payload,
			Error:          payload,
			Classification: ClassificationError,
		}
	}

	return Response{
		Success:        true,
		Text:           payload,
		Classification: ClassificationSuccess,
	}
}
