// Package sandbox isolates replay-time execution from the outside world.
//
// Code running inside a sandbox reaches the outside only through an
// Effects value. Every attempt is recorded in the sandbox's effect log.
// Attempts the Policy allow-lists are performed; all others are
// intercepted and answered with a synthetic result:
//
//	WriteFile  nil error, nothing written
//	Do         202 Accepted, empty body
//	Command    empty output, nil error
//
// Each sandbox has Limits. Exceeding any of them terminates the sandbox:
// the failing call returns a *LimitError and every later Execute fails
// with ErrTerminated.
package sandbox
