package certs

import (
	"errors"
	"fmt"
)

// ErrRenewalInProgress is returned when a renewal is requested while
// another renewal for the same identity is still running.
var ErrRenewalInProgress = errors.New("renewal already in progress")

// KeyGenerationError reports an unsupported or failed key-pair generation.
type KeyGenerationError struct {
	Algorithm string
	Bits      int
	Curve     string
	Err       error
}

func (e *KeyGenerationError) Error() string {
	if e.Algorithm == "rsa" {
		return fmt.Sprintf("key generation failed (rsa-%d): %v", e.Bits, e.Err)
	}
	return fmt.Sprintf("key generation failed (%s %s): %v", e.Algorithm, e.Curve, e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }

// SigningError reports a failure to issue a certificate, including
// unreadable or invalid CA material.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err == nil {
		return "signing failed: " + e.Reason
	}
	return fmt.Sprintf("signing failed: %s: %v", e.Reason, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }
