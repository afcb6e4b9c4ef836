// Package handler provides internal reflection-based worker invocation.
//
// This package is internal and should not be imported directly.
// It provides:
//   - Handler: signature checks and invocation for registered workers
//   - Decoding of the :INITIAL payload into the worker's argument type
package handler
