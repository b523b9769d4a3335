// Package errors defines the error types used across the bridge.
//
// Fatal startup conditions (missing executable, foreign port conflict,
// startup timeout) get dedicated types so callers can branch on them in
// strict mode. Recoverable conditions (backend unreachable, API errors)
// wrap the underlying cause and are absorbed by retry loops.
package errors
