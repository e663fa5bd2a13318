// Package ir provides the value model shared by event payloads and
// projected aggregate state.
//
// ir imports nothing internal; every other package builds on it.
//
// Key constraints:
//   - No float types anywhere; numbers are int64
//   - No null values
//   - Canonical encoding (RFC 8785) is the only form used for storage and hashing
package ir
