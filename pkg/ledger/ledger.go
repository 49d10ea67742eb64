/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ledger declares the distributed-ledger read interface the engine
// consumes. Implementations (pool clients, caches) live outside this module.
package ledger

import "context"

// Provider opens ledger sessions on demand.
type Provider interface {
	// OpenSession acquires a ledger session. Callers close the session when
	// the enclosing operation completes.
	OpenSession(ctx context.Context) (Session, error)
}

// Session is a scoped ledger read session.
type Session interface {
	// GetSchema fetches a schema by id.
	GetSchema(ctx context.Context, schemaID string) (map[string]interface{}, error)

	// GetCredentialDefinition fetches a credential definition by id.
	GetCredentialDefinition(ctx context.Context, credDefID string) (map[string]interface{}, error)

	// GetRevocationRegistryDefinition fetches a revocation registry
	// definition by id.
	GetRevocationRegistryDefinition(ctx context.Context, revRegID string) (map[string]interface{}, error)

	// GetRevocationRegistryDelta fetches the accumulated registry delta in
	// (from, to], returning the delta and its ledger timestamp.
	GetRevocationRegistryDelta(ctx context.Context, revRegID string, from, to int64) (map[string]interface{}, int64, error)

	// Close releases the session.
	Close() error
}

// CredDefSupportsRevocation reports whether a fetched credential definition
// was created with revocation support.
func CredDefSupportsRevocation(credDef map[string]interface{}) bool {
	value, ok := credDef["value"].(map[string]interface{})
	if !ok {
		return false
	}

	return value["revocation"] != nil
}
