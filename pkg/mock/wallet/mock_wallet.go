/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wallet provides mock issuer, holder, verifier and signer wallets.
package wallet

import (
	"context"
	"sync/atomic"
)

// MockIssuer is a mock issuer wallet.
type MockIssuer struct {
	OfferValue           map[string]interface{}
	OfferErr             error
	CredValue            map[string]interface{}
	CredRevID            string
	CredErr              error
	OfferCalls           int32
	CredCalls            int32
	CreateCredentialFunc func(ctx context.Context, schema, offer, request map[string]interface{},
		values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error)
}

// CreateCredentialOffer returns the configured offer.
func (m *MockIssuer) CreateCredentialOffer(ctx context.Context,
	credDefID string) (map[string]interface{}, error) {
	atomic.AddInt32(&m.OfferCalls, 1)

	if m.OfferErr != nil {
		return nil, m.OfferErr
	}

	return m.OfferValue, nil
}

// CreateCredential returns the configured credential, or delegates to
// CreateCredentialFunc when set.
func (m *MockIssuer) CreateCredential(ctx context.Context, schema, offer, request map[string]interface{},
	values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
	atomic.AddInt32(&m.CredCalls, 1)

	if m.CreateCredentialFunc != nil {
		return m.CreateCredentialFunc(ctx, schema, offer, request, values, revRegID, tailsPath)
	}

	if m.CredErr != nil {
		return nil, "", m.CredErr
	}

	return m.CredValue, m.CredRevID, nil
}

// MockHolder is a mock holder wallet.
type MockHolder struct {
	RequestValue      map[string]interface{}
	MetadataValue     map[string]interface{}
	RequestErr        error
	RequestCalls      int32
	StoredIDValue     string
	StoreErr          error
	CredentialValue   map[string]interface{}
	GetErr            error
	SelectedValue     map[string]interface{}
	SelectErr         error
	PresentationValue map[string]interface{}
	PresentErr        error
}

// CreateCredentialRequest returns the configured request and metadata.
func (m *MockHolder) CreateCredentialRequest(ctx context.Context, offer, credDef map[string]interface{},
	holderDID string) (map[string]interface{}, map[string]interface{}, error) {
	atomic.AddInt32(&m.RequestCalls, 1)

	if m.RequestErr != nil {
		return nil, nil, m.RequestErr
	}

	return m.RequestValue, m.MetadataValue, nil
}

// StoreCredential returns the configured stored credential id.
func (m *MockHolder) StoreCredential(ctx context.Context, credDef, cred, requestMetadata map[string]interface{},
	credID string) (string, error) {
	if m.StoreErr != nil {
		return "", m.StoreErr
	}

	if credID != "" {
		return credID, nil
	}

	return m.StoredIDValue, nil
}

// GetCredential returns the configured credential.
func (m *MockHolder) GetCredential(ctx context.Context, credID string) (map[string]interface{}, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}

	return m.CredentialValue, nil
}

// SelectCredentialsForRequest returns the configured selection.
func (m *MockHolder) SelectCredentialsForRequest(ctx context.Context,
	proofRequest map[string]interface{}) (map[string]interface{}, error) {
	if m.SelectErr != nil {
		return nil, m.SelectErr
	}

	return m.SelectedValue, nil
}

// CreatePresentation returns the configured proof.
func (m *MockHolder) CreatePresentation(ctx context.Context, proofRequest, requestedCredentials,
	schemas, credDefs, revocationStates map[string]interface{}) (map[string]interface{}, error) {
	if m.PresentErr != nil {
		return nil, m.PresentErr
	}

	return m.PresentationValue, nil
}

// MockVerifier is a mock verifier wallet.
type MockVerifier struct {
	VerifiedValue bool
	VerifyErr     error
}

// VerifyPresentation returns the configured verdict.
func (m *MockVerifier) VerifyPresentation(ctx context.Context, proofRequest, proof,
	schemas, credDefs, revRegDefs, revRegEntries map[string]interface{}) (bool, error) {
	if m.VerifyErr != nil {
		return false, m.VerifyErr
	}

	return m.VerifiedValue, nil
}

// MockSigner is a mock signer.
type MockSigner struct {
	SignatureValue []byte
	SignErr        error
}

// Sign returns the configured signature.
func (m *MockSigner) Sign(ctx context.Context, verKey string, data []byte) ([]byte, error) {
	if m.SignErr != nil {
		return nil, m.SignErr
	}

	return m.SignatureValue, nil
}
