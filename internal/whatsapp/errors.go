package whatsapp

import (
	"errors"
	"fmt"

	"github.com/unclebandit/wa-campaigns/internal/model"
)

// ConfigError means the channel itself cannot send: missing or rejected
// credentials, unknown phone number id. It is fatal to every message on the
// channel, not just the current one.
type ConfigError struct {
	ChannelID int
	Reason    string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("channel %d misconfigured: %s", e.ChannelID, e.Reason)
}

// NetworkError wraps transport failures. Always retryable.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "whatsapp transport: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProviderError is an error reported by the provider in its JSON error body.
type ProviderError struct {
	StatusCode int
	Code       int
	Subcode    int
	Type       string
	Title      string
	Message    string
	Details    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("whatsapp api error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
}

// Retryable is false by default; only server errors and the throttling /
// temporary-unavailability codes qualify.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode >= 500 || IsTransientCode(e.Code)
}

var transientCodes = map[int]bool{
	1:      true, // API unknown
	2:      true, // API service
	4:      true, // app rate limit
	80007:  true, // WABA rate limit
	130429: true, // throughput reached
	131000: true, // something went wrong
	131016: true, // service overloaded
	131048: true, // spam rate limit
	131049: true, // ecosystem engagement, retry later
	131056: true, // pair rate limit
	133004: true, // server temporarily unavailable
}

var configCodes = map[int]bool{
	10:     true, // permission denied
	190:    true, // access token expired or invalid
	200:    true, // permission error
	131031: true, // business account locked
}

// IsTransientCode reports whether a provider error code denotes a condition
// that may clear on its own.
func IsTransientCode(code int) bool {
	return transientCodes[code]
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsRetryable reports whether a failed send is worth another attempt later.
func IsRetryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// IsPermanent reports a poison failure: a provider error that will not clear
// by retrying. Config errors are handled separately and are not poison.
func IsPermanent(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return !pe.Retryable()
	}
	return false
}

// ErrorDetails flattens a send error into the structure persisted on a message.
func ErrorDetails(err error) *model.MessageError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		msg := pe.Message
		if pe.Details != "" {
			msg = pe.Details
		}
		return &model.MessageError{Code: pe.Code, Title: pe.Title, Message: msg}
	}
	return &model.MessageError{Message: err.Error()}
}
