package mpc

import "errors"

// Error kinds for the measurement games. Every kind is fatal to the current
// process or shard; callers wrap these with fmt.Errorf("...: %w", ...) so
// binaries can report the kind alongside the failing input file.
var (
	ErrInputFormat   = errors.New("input format error")
	ErrCapacity      = errors.New("capacity exceeded")
	ErrProtocolState = errors.New("protocol state error")
	ErrSchema        = errors.New("schema error")
	ErrPolicy        = errors.New("policy error")
	ErrIO            = errors.New("io error")
	ErrBackend       = errors.New("backend error")
)
