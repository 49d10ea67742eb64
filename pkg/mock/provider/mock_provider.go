/*
Copyright SecureKey Technologies Inc. All Rights Reserved.
SPDX-License-Identifier: Apache-2.0
*/

// Package provider provides a mock dependency provider covering every
// provider interface the engine's packages consume.
package provider

import (
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/verifiableworks/agent-core/pkg/common/taskqueue"
	"github.com/verifiableworks/agent-core/pkg/didcomm/registry"
	"github.com/verifiableworks/agent-core/pkg/events"
	"github.com/verifiableworks/agent-core/pkg/ledger"
	"github.com/verifiableworks/agent-core/pkg/revocation"
	"github.com/verifiableworks/agent-core/pkg/store/connection"
	"github.com/verifiableworks/agent-core/pkg/wallet"
)

// Provider is a mock dependency provider.
type Provider struct {
	StorageProviderValue      storage.Provider
	LedgerProviderValue       ledger.Provider
	RegistrarValue            revocation.Registrar
	EventBusValue             *events.Bus
	IssuerWalletValue         wallet.Issuer
	HolderWalletValue         wallet.Holder
	VerifierWalletValue       wallet.Verifier
	SignerValue               wallet.Signer
	RevocationRegistriesValue *revocation.IssuerRegistry
	MessageRegistryValue      *registry.Registry
	ConnectionStoreValue      *connection.Store
	TaskQueueValue            *taskqueue.Queue
	PublicDIDValue            string
	VerificationMethodValue   string
}

// StorageProvider returns the storage provider.
func (p *Provider) StorageProvider() storage.Provider {
	return p.StorageProviderValue
}

// LedgerProvider returns the ledger provider.
func (p *Provider) LedgerProvider() ledger.Provider {
	return p.LedgerProviderValue
}

// Registrar returns the revocation registrar.
func (p *Provider) Registrar() revocation.Registrar {
	return p.RegistrarValue
}

// EventBus returns the event bus.
func (p *Provider) EventBus() *events.Bus {
	return p.EventBusValue
}

// IssuerWallet returns the issuer wallet.
func (p *Provider) IssuerWallet() wallet.Issuer {
	return p.IssuerWalletValue
}

// HolderWallet returns the holder wallet.
func (p *Provider) HolderWallet() wallet.Holder {
	return p.HolderWalletValue
}

// VerifierWallet returns the verifier wallet.
func (p *Provider) VerifierWallet() wallet.Verifier {
	return p.VerifierWalletValue
}

// Signer returns the signer.
func (p *Provider) Signer() wallet.Signer {
	return p.SignerValue
}

// RevocationRegistries returns the issuer registry manager.
func (p *Provider) RevocationRegistries() *revocation.IssuerRegistry {
	return p.RevocationRegistriesValue
}

// MessageRegistry returns the protocol message registry.
func (p *Provider) MessageRegistry() *registry.Registry {
	return p.MessageRegistryValue
}

// ConnectionStore returns the connection record store.
func (p *Provider) ConnectionStore() *connection.Store {
	return p.ConnectionStoreValue
}

// TaskQueue returns the task queue.
func (p *Provider) TaskQueue() *taskqueue.Queue {
	return p.TaskQueueValue
}

// PublicDID returns the issuer's public DID.
func (p *Provider) PublicDID() string {
	return p.PublicDIDValue
}

// VerificationMethod returns the signing key reference.
func (p *Provider) VerificationMethod() string {
	return p.VerificationMethodValue
}
