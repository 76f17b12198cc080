// SPDX-License-Identifier: Apache-2.0

package mixtral

import "fmt"

// The model surfaces three fatal error classes. None of them are retried
// here: construction errors are permanent, and a call-time error aborts
// the whole forward pass (there is no partial-layer recovery). Precision
// overflow in the attention bias is not an error at all -- masked scores
// are clamped to the dtype minimum instead (see DType.MinValue).

// ConfigError reports an invalid hyperparameter combination at model
// construction. A config that fails validation can never succeed later.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("mixtral: invalid config %s: %s", e.Field, e.Reason)
}

// ShapeError reports a call-time mismatch between a supplied tensor and
// the shape the config dictates, or an invalid argument combination
// (e.g. a cache supplied without position ids).
type ShapeError struct {
	Arg  string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("mixtral: %s: want %s, got %s", e.Arg, e.Want, e.Got)
}

// CacheBoundsError reports an attention cache write that would run past
// the allocated cache length. The core never resizes a cache; the
// generation loop must stop or allocate a larger one.
type CacheBoundsError struct {
	Cursor    int
	NewTokens int
	Capacity  int
}

func (e *CacheBoundsError) Error() string {
	return fmt.Sprintf("mixtral: cache overflow: cursor %d + %d new tokens exceeds capacity %d",
		e.Cursor, e.NewTokens, e.Capacity)
}
