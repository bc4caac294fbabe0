// Package vault defines the secret lookup used by the runner bootstrap path.
//
// A Vault maps a secret name to an opaque blob; for browser runners the blob
// is a dotenv-formatted string consumed by the MCP server's --secrets flag.
// The broker never inspects or partially returns a blob: a missing name fails
// closed.
package vault

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no secret exists under the requested name.
var ErrNotFound = errors.New("vault secret not found")

// Vault exposes name -> blob secret lookup.
// Implementations must be safe for concurrent use.
type Vault interface {
	// Get returns the blob stored under name, or ErrNotFound.
	Get(ctx context.Context, name string) (string, error)
}
