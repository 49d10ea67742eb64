/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ledger provides a mock ledger provider and session.
package ledger

import (
	"context"
	"fmt"

	"github.com/verifiableworks/agent-core/pkg/ledger"
)

// MockProvider is a mock ledger provider.
type MockProvider struct {
	SessionValue ledger.Session
	OpenErr      error
}

// OpenSession returns the configured session.
func (p *MockProvider) OpenSession(ctx context.Context) (ledger.Session, error) {
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	return p.SessionValue, nil
}

// MockSession is a mock ledger session backed by in-memory maps keyed by id.
type MockSession struct {
	Schemas     map[string]map[string]interface{}
	CredDefs    map[string]map[string]interface{}
	RevRegDefs  map[string]map[string]interface{}
	DeltaValue  map[string]interface{}
	DeltaTS     int64
	GetErr      error
	DeltaErr    error
	CloseErr    error
	CloseCalled bool
}

// GetSchema returns the schema for schemaID.
func (s *MockSession) GetSchema(ctx context.Context, schemaID string) (map[string]interface{}, error) {
	return s.lookup(s.Schemas, schemaID)
}

// GetCredentialDefinition returns the credential definition for credDefID.
func (s *MockSession) GetCredentialDefinition(ctx context.Context,
	credDefID string) (map[string]interface{}, error) {
	return s.lookup(s.CredDefs, credDefID)
}

// GetRevocationRegistryDefinition returns the registry definition for revRegID.
func (s *MockSession) GetRevocationRegistryDefinition(ctx context.Context,
	revRegID string) (map[string]interface{}, error) {
	return s.lookup(s.RevRegDefs, revRegID)
}

// GetRevocationRegistryDelta returns the configured delta.
func (s *MockSession) GetRevocationRegistryDelta(ctx context.Context, revRegID string,
	from, to int64) (map[string]interface{}, int64, error) {
	if s.DeltaErr != nil {
		return nil, 0, s.DeltaErr
	}

	return s.DeltaValue, s.DeltaTS, nil
}

// Close marks the session closed.
func (s *MockSession) Close() error {
	s.CloseCalled = true

	return s.CloseErr
}

func (s *MockSession) lookup(m map[string]map[string]interface{}, id string) (map[string]interface{}, error) {
	if s.GetErr != nil {
		return nil, s.GetErr
	}

	doc, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("not found on ledger: %s", id)
	}

	return doc, nil
}
