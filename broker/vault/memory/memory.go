// Package memory provides an in-memory vault for development and testing.
package memory

import (
	"context"
	"sync"

	"github.com/omicronlabs/browserbroker/broker/vault"
)

// Vault is an in-memory implementation of the vault.Vault interface.
// It is safe for concurrent use.
type Vault struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// Compile-time check that Vault implements vault.Vault.
var _ vault.Vault = (*Vault)(nil)

// New creates an empty in-memory vault.
func New() *Vault {
	return &Vault{secrets: make(map[string]string)}
}

// Set stores blob under name.
func (v *Vault) Set(name, blob string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[name] = blob
}

// Get returns the blob stored under name.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	blob, ok := v.secrets[name]
	if !ok {
		return "", vault.ErrNotFound
	}
	return blob, nil
}
