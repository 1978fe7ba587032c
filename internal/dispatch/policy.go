// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// PolicyBlock makes Dispatch wait for queue space (backpressure).
	PolicyBlock Policy = "block"
	// PolicyReject makes Dispatch fail with ErrQueueFull when the queue is full.
	PolicyReject Policy = "reject"
)

// ErrInvalidPolicy is the sentinel wrapped by InvalidPolicyError.
var ErrInvalidPolicy = errors.New("invalid backpressure policy")

type (
	// Policy selects what Dispatch does when the queue is full.
	Policy string

	// InvalidPolicyError is returned when a Policy value is not recognized.
	InvalidPolicyError struct {
		Value Policy
	}
)

// String returns the string representation of the Policy.
func (p Policy) String() string { return string(p) }

// Validate returns nil for known policies. The zero value is valid and means PolicyBlock.
func (p Policy) Validate() error {
	switch p {
	case "", PolicyBlock, PolicyReject:
		return nil
	default:
		return &InvalidPolicyError{Value: p}
	}
}

// ParsePolicy normalizes s into a Policy.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PolicyBlock, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

// Error implements the error interface for InvalidPolicyError.
func (e *InvalidPolicyError) Error() string {
	return fmt.Sprintf("invalid backpressure policy %q (valid: block, reject)", e.Value)
}

// Unwrap returns ErrInvalidPolicy for errors.Is() compatibility.
func (e *InvalidPolicyError) Unwrap() error { return ErrInvalidPolicy }
