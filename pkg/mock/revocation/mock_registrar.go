/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package revocation provides a mock revocation registrar.
package revocation

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/verifiableworks/agent-core/pkg/revocation"
)

// MockRegistrar is a mock registrar. Each step can be failed independently,
// with FailuresBeforeSuccess simulating transient write errors.
type MockRegistrar struct {
	GenerateErr  error
	PostDefErr   error
	PostEntryErr error

	PostDefFailures int32

	GenerateCalls  int32
	PostDefCalls   int32
	PostEntryCalls int32
}

// GenerateRegistry fills in generated registry artifacts.
func (m *MockRegistrar) GenerateRegistry(ctx context.Context, rec *revocation.RegistryRecord) error {
	atomic.AddInt32(&m.GenerateCalls, 1)

	if m.GenerateErr != nil {
		return m.GenerateErr
	}

	rec.RevocRegID = fmt.Sprintf("%s:4:%s:CL_ACCUM:%s", rec.IssuerDID, rec.CredDefID, rec.Tag)
	rec.TailsHash = "mock-tails-hash"
	rec.TailsLocalPath = "/tmp/tails/" + rec.TailsHash
	rec.TailsPublicURI = "https://tails.example.com/" + rec.TailsHash

	return nil
}

// PostDefinition fails PostDefFailures times, then succeeds.
func (m *MockRegistrar) PostDefinition(ctx context.Context, rec *revocation.RegistryRecord) error {
	calls := atomic.AddInt32(&m.PostDefCalls, 1)

	if m.PostDefErr != nil {
		return m.PostDefErr
	}

	if calls <= atomic.LoadInt32(&m.PostDefFailures) {
		return fmt.Errorf("ledger write timed out")
	}

	return nil
}

// PostInitialEntry posts the initial accumulator entry.
func (m *MockRegistrar) PostInitialEntry(ctx context.Context, rec *revocation.RegistryRecord) error {
	atomic.AddInt32(&m.PostEntryCalls, 1)

	return m.PostEntryErr
}
