// Package mongo provides a MongoDB-backed vault.
//
// Secrets live in a dedicated collection keyed by name. The broker only ever
// reads; writes happen out of band when a user connects credentials.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/omicronlabs/browserbroker/broker/vault"
)

// Vault is a MongoDB implementation of the vault.Vault interface.
type Vault struct {
	collection *mongo.Collection
}

// Compile-time check that Vault implements vault.Vault.
var _ vault.Vault = (*Vault)(nil)

type secretDocument struct {
	Name string `bson:"_id"`
	Blob string `bson:"blob"`
}

// New creates a MongoDB vault using the provided collection.
func New(collection *mongo.Collection) *Vault {
	return &Vault{collection: collection}
}

// Get returns the blob stored under name.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	var doc secretDocument
	err := v.collection.FindOne(ctx, bson.M{"_id": name}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", vault.ErrNotFound
		}
		return "", fmt.Errorf("mongodb get secret %q: %w", name, err)
	}
	return doc.Blob, nil
}
