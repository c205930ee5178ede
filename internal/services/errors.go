// Package services defines the business logic for inbound message processing.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Pipeline-related errors. Dropped routes and redeliveries are not errors at
// all: ProcessInbound reports them as outcomes so the webhook ack is never
// at stake.
var (
	// ErrQueueFull is returned when the processing queue cannot accept more
	// work. The webhook is still acknowledged so the provider does not
	// retry into an overloaded instance.
	ErrQueueFull = errors.New("processing queue is full")
)
