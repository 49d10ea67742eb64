/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet declares the signing and credential-material interfaces the
// engine consumes. Key management and cryptography live outside this module.
package wallet

import (
	"context"
	"errors"
)

// ErrRevocationRegistryFull is returned by Issuer.CreateCredential when the
// revocation registry backing the credential definition has no free slots.
var ErrRevocationRegistryFull = errors.New("revocation registry is full")

// Issuer creates credential offers and signs credentials.
type Issuer interface {
	// CreateCredentialOffer builds an offer for the credential definition.
	CreateCredentialOffer(ctx context.Context, credDefID string) (map[string]interface{}, error)

	// CreateCredential signs a credential over the offer/request pair and
	// attribute values. For revocable credential definitions it consumes one
	// slot in the given revocation registry, returning the issued
	// credential and its revocation id within the registry.
	CreateCredential(ctx context.Context, schema, offer, request map[string]interface{},
		values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error)
}

// Holder stores received credentials and builds requests and presentations.
type Holder interface {
	// CreateCredentialRequest builds a credential request bound to the
	// offer, returning the request and the request metadata needed later to
	// validate and store the issued credential.
	CreateCredentialRequest(ctx context.Context, offer, credDef map[string]interface{},
		holderDID string) (map[string]interface{}, map[string]interface{}, error)

	// StoreCredential validates and stores an issued credential, returning
	// the stored credential id.
	StoreCredential(ctx context.Context, credDef, cred, requestMetadata map[string]interface{},
		credID string) (string, error)

	// GetCredential returns a stored credential by id.
	GetCredential(ctx context.Context, credID string) (map[string]interface{}, error)

	// SelectCredentialsForRequest chooses stored credentials satisfying a
	// proof request, in the requested-credentials shape the prover needs.
	SelectCredentialsForRequest(ctx context.Context, proofRequest map[string]interface{}) (map[string]interface{}, error)

	// CreatePresentation builds a proof over the request from the selected
	// credentials, schemas, credential definitions and revocation states.
	CreatePresentation(ctx context.Context, proofRequest, requestedCredentials,
		schemas, credDefs, revocationStates map[string]interface{}) (map[string]interface{}, error)
}

// Verifier verifies presentations.
type Verifier interface {
	// VerifyPresentation checks the proof against the request and ledger
	// artifacts, reporting whether it verified.
	VerifyPresentation(ctx context.Context, proofRequest, proof,
		schemas, credDefs, revRegDefs, revRegEntries map[string]interface{}) (bool, error)
}

// Signer signs arbitrary data with a key identified by verification key.
type Signer interface {
	Sign(ctx context.Context, verKey string, data []byte) ([]byte, error)
}
