// Package render plans and executes render passes over a workflow's tabs
// and steps, and runs the worker-side protocol around them: lock the
// workflow, render, decide whether to requeue, release.
package render

import "errors"

// ErrUnneededExecution stops a pass whose target state version has been
// superseded. It is not a failure: the requeue rule guarantees a fresher
// pass.
var ErrUnneededExecution = errors.New("render pass superseded")

// ErrInvalidRetryPolicy indicates a RetryPolicy whose fields are inconsistent.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrMaxAttemptsExceeded indicates a requeue publish failed on every attempt.
var ErrMaxAttemptsExceeded = errors.New("maximum publish attempts exceeded")
