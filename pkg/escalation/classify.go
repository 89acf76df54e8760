package escalation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/clawgate/pkg/gateway"
)

// Classifier decides whether a failure is worth reporting to the tracking
// sink and the user. Suppressed failures are only logged.
type Classifier interface {
	IsReportable(err error) bool
}

type ClassifierFunc func(err error) bool

func (f ClassifierFunc) IsReportable(err error) bool { return f(err) }

// Suppress marks err as an expected, operational failure.
func Suppress(err error) error {
	if err == nil {
		return nil
	}
	return &suppressedError{err: err}
}

type suppressedError struct {
	err error
}

func (e *suppressedError) Error() string { return e.err.Error() }
func (e *suppressedError) Unwrap() error { return e.err }

// IsSuppressed reports whether err (or anything it wraps) went through Suppress.
func IsSuppressed(err error) bool {
	var s *suppressedError
	return errors.As(err, &s)
}

// PanicError carries a value recovered from a panicking handler.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// suppressedRESTCodes are platform error codes caused by server configuration
// rather than bugs.
var suppressedRESTCodes = map[int]bool{
	discordgo.ErrCodeMissingAccess:      true,
	discordgo.ErrCodeMissingPermissions: true,
	discordgo.ErrCodeUnknownChannel:     true,
	discordgo.ErrCodeUnknownGuild:       true,
	discordgo.ErrCodeUnknownMessage:     true,
}

var suppressedHTTPStatus = map[int]bool{
	http.StatusForbidden:       true,
	http.StatusNotFound:        true,
	http.StatusTooManyRequests: true,
}

// DefaultClassifier suppresses permission, missing-resource, rate-limit,
// closed-socket and cancellation failures. Everything else, panics included,
// is reportable.
var DefaultClassifier Classifier = ClassifierFunc(defaultReportable)

func defaultReportable(err error) bool {
	if err == nil {
		return false
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		return true
	}
	if IsSuppressed(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if gateway.IsSocketClosed(err) {
		return false
	}

	var rateLimited *discordgo.RateLimitError
	if errors.As(err, &rateLimited) {
		return false
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		if restErr.Message != nil && suppressedRESTCodes[restErr.Message.Code] {
			return false
		}
		if restErr.Response != nil && suppressedHTTPStatus[restErr.Response.StatusCode] {
			return false
		}
	}
	return true
}

// Chain reports an error only when every classifier does.
func Chain(classifiers ...Classifier) Classifier {
	return ClassifierFunc(func(err error) bool {
		for _, c := range classifiers {
			if !c.IsReportable(err) {
				return false
			}
		}
		return true
	})
}
