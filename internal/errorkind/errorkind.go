// Package errorkind gives every error the pipeline produces a typed kind
// the Orchestrator can branch on at its boundary, instead of string-
// matching error messages: a single wrapper parameterized by a Kind enum
// rather than one bespoke error type per failure class.
package errorkind

import (
	"errors"
	"fmt"
)

// Kind enumerates the pipeline's error taxonomy (spec.md §7).
type Kind string

const (
	TransientIO               Kind = "transient_io"
	BusSaturation             Kind = "bus_saturation"
	SubscriberFault           Kind = "subscriber_fault"
	ModelInferenceFailure     Kind = "model_inference_failure"
	FeatureExtractionTimeout  Kind = "feature_extraction_timeout"
	ScreenshotPipelineFailure Kind = "screenshot_pipeline_failure"
	PermissionRevocation      Kind = "permission_revocation"
	ConfigValidationFailure   Kind = "config_validation_failure"
	ResourceCapBreach         Kind = "resource_cap_breach"
	PrivacyInvariantViolation Kind = "privacy_invariant_violation"
)

// Error wraps an underlying cause with a Kind and the operation that
// produced it, so errors.Is/errors.As can branch on Kind while %w chains
// still reach the original cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error. op should name the function/component that
// failed (e.g. "capture.Start", "analysis.buildFeatureVector").
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind,
// letting callers write errors.Is-style checks against a Kind value
// without needing to unwrap to an *Error themselves.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
