/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package revocation manages issuer revocation registries: provisioning
// replacement registries, tracking each registry's lifecycle state, and
// selecting the active registry for a credential definition during issuance.
package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bluele/gcache"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/verifiableworks/agent-core/pkg/events"
	"github.com/verifiableworks/agent-core/pkg/ledger"
	"github.com/verifiableworks/agent-core/pkg/store/record"
)

var logger = log.New("agent-core/revocation")

// ErrNoActiveRegistry is returned when no registry for the credential
// definition is in the active state. The indy issuance path reacts by
// provisioning replacements and retrying on a bounded budget.
var ErrNoActiveRegistry = errors.New("no active revocation registry")

// ErrRevocationNotSupported is returned when a registry is requested for a
// credential definition created without revocation support.
var ErrRevocationNotSupported = errors.New("credential definition does not support revocation")

// ErrInvalidRegistrySize is returned when a requested registry size is
// outside [MinRegistrySize, MaxRegistrySize].
var ErrInvalidRegistrySize = errors.New("invalid revocation registry size")

const (
	stagingRetryDelay = 2 * time.Second
	ledgerCacheSize   = 32
)

// Registrar performs the expensive registry provisioning steps: tails file
// generation in the wallet and ledger writes. Implementations live outside
// this module.
type Registrar interface {
	// GenerateRegistry creates the registry definition and tails file,
	// filling in RevocRegID, TailsHash, TailsLocalPath and TailsPublicURI.
	GenerateRegistry(ctx context.Context, rec *RegistryRecord) error

	// PostDefinition writes the registry definition to the ledger.
	PostDefinition(ctx context.Context, rec *RegistryRecord) error

	// PostInitialEntry writes the initial accumulator entry to the ledger,
	// after which the registry can back issued credentials.
	PostInitialEntry(ctx context.Context, rec *RegistryRecord) error
}

type provider interface {
	StorageProvider() storage.Provider
	LedgerProvider() ledger.Provider
	Registrar() Registrar
	EventBus() *events.Bus
}

// IssuerRegistry manages the revocation registries owned by this issuer.
type IssuerRegistry struct {
	store       *record.Store
	ledger      ledger.Provider
	registrar   Registrar
	ledgerCache gcache.Cache
}

// New returns an IssuerRegistry backed by the provider's storage, ledger
// and registrar.
func New(p provider) (*IssuerRegistry, error) {
	tagNames := []string{TagCredDefID, TagRevRegID, TagState}

	store, err := record.NewStore(p, StoreName, tagNames,
		record.WithEventBus(p.EventBus(), "revocation_registry"))
	if err != nil {
		return nil, fmt.Errorf("open revocation registry store: %w", err)
	}

	return &IssuerRegistry{
		store:       store,
		ledger:      p.LedgerProvider(),
		registrar:   p.Registrar(),
		ledgerCache: gcache.New(ledgerCacheSize).LRU().Build(),
	}, nil
}

// InitRegistry creates a registry record in the init state for the
// credential definition, after checking the definition exists on the ledger
// and was created with revocation support. A zero maxCredNum selects
// DefaultRegistrySize.
func (r *IssuerRegistry) InitRegistry(ctx context.Context, issuerDID, credDefID string,
	maxCredNum int) (*RegistryRecord, error) {
	if maxCredNum == 0 {
		maxCredNum = DefaultRegistrySize
	}

	if maxCredNum < MinRegistrySize || maxCredNum > MaxRegistrySize {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidRegistrySize, maxCredNum, MinRegistrySize, MaxRegistrySize)
	}

	session, err := r.ledger.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger session: %w", err)
	}

	defer closeSession(session)

	credDef, err := session.GetCredentialDefinition(ctx, credDefID)
	if err != nil {
		return nil, fmt.Errorf("get credential definition %s: %w", credDefID, err)
	}

	if !ledger.CredDefSupportsRevocation(credDef) {
		return nil, fmt.Errorf("%w: %s", ErrRevocationNotSupported, credDefID)
	}

	now := time.Now().UTC()

	rec := &RegistryRecord{
		ID:           uuid.New().String(),
		State:        StateInit,
		CredDefID:    credDefID,
		IssuerDID:    issuerDID,
		RevocDefType: DefType,
		Tag:          uuid.New().String(),
		MaxCredNum:   maxCredNum,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save registry record: %w", err)
	}

	return rec, nil
}

// StageRegistry drives a registry record from init to active: generate the
// registry and tails file, post the definition, post the initial entry.
// Each step is retried on a constant interval up to maxAttempts before the
// whole staging fails.
func (r *IssuerRegistry) StageRegistry(ctx context.Context, rec *RegistryRecord, maxAttempts uint64) error {
	steps := []struct {
		state string
		run   func(context.Context, *RegistryRecord) error
	}{
		{StateGenerated, r.registrar.GenerateRegistry},
		{StatePosted, r.registrar.PostDefinition},
		{StateActive, r.registrar.PostInitialEntry},
	}

	for _, step := range steps {
		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewConstantBackOff(stagingRetryDelay), maxAttempts), ctx)

		err := backoff.Retry(func() error {
			return step.run(ctx, rec)
		}, policy)
		if err != nil {
			return fmt.Errorf("stage registry %s to %s: %w", rec.ID, step.state, err)
		}

		rec.State = step.state
		rec.UpdatedAt = time.Now().UTC()

		if err := r.store.Save(ctx, rec); err != nil {
			return fmt.Errorf("save registry record: %w", err)
		}
	}

	return nil
}

// ProvisionRegistries creates count registry records for the credential
// definition and stages each to active in its own background task. Staging
// failures are logged, not surfaced: callers poll GetActiveRegistry on
// their own retry budget.
func (r *IssuerRegistry) ProvisionRegistries(ctx context.Context, issuerDID, credDefID string,
	maxCredNum, count int, maxAttempts uint64) error {
	for i := 0; i < count; i++ {
		rec, err := r.InitRegistry(ctx, issuerDID, credDefID, maxCredNum)
		if err != nil {
			return fmt.Errorf("init replacement registry: %w", err)
		}

		go func() {
			// Staging outlives the request that triggered it.
			if err := r.StageRegistry(context.Background(), rec, maxAttempts); err != nil {
				logger.Errorf("background staging of registry %s for %s failed: %v",
					rec.ID, credDefID, err)
			}
		}()
	}

	return nil
}

// GetActiveRegistry returns the oldest active registry for the credential
// definition, so concurrent issuers converge on the same registry and fill
// registries in creation order.
func (r *IssuerRegistry) GetActiveRegistry(ctx context.Context, credDefID string) (*RegistryRecord, error) {
	var active []*RegistryRecord

	err := r.store.QueryTag(TagCredDefID, credDefID, func(raw json.RawMessage, version uint64) error {
		var rec RegistryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal registry record: %w", err)
		}

		rec.SetVersion(version)

		if rec.State == StateActive {
			active = append(active, &rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(active) == 0 {
		return nil, fmt.Errorf("%w: cred def %s", ErrNoActiveRegistry, credDefID)
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	return active[0], nil
}

// HasPostedRegistry reports whether any registry for the credential
// definition has reached at least the posted state. When false, issuance
// knows provisioning has not begun and must trigger it.
func (r *IssuerRegistry) HasPostedRegistry(ctx context.Context, credDefID string) (bool, error) {
	posted := false

	err := r.store.QueryTag(TagCredDefID, credDefID, func(raw json.RawMessage, version uint64) error {
		var rec RegistryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal registry record: %w", err)
		}

		switch rec.State {
		case StatePosted, StateActive, StateFull:
			posted = true
		}

		return nil
	})
	if err != nil {
		return false, err
	}

	return posted, nil
}

// MarkFull transitions the registry record to the full state.
func (r *IssuerRegistry) MarkFull(ctx context.Context, rec *RegistryRecord) error {
	rec.State = StateFull
	rec.UpdatedAt = time.Now().UTC()

	if err := r.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("mark registry %s full: %w", rec.ID, err)
	}

	return nil
}

// GetRegistryRecord loads a registry record by id.
func (r *IssuerRegistry) GetRegistryRecord(id string) (*RegistryRecord, error) {
	rec := &RegistryRecord{}
	if err := r.store.Retrieve(id, rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// GetLedgerRegistry fetches a registry definition from the ledger,
// memoizing it: definitions are immutable once posted.
func (r *IssuerRegistry) GetLedgerRegistry(ctx context.Context, revRegID string) (map[string]interface{}, error) {
	if cached, err := r.ledgerCache.Get(revRegID); err == nil {
		return cached.(map[string]interface{}), nil
	}

	session, err := r.ledger.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger session: %w", err)
	}

	defer closeSession(session)

	def, err := session.GetRevocationRegistryDefinition(ctx, revRegID)
	if err != nil {
		return nil, fmt.Errorf("get revocation registry definition %s: %w", revRegID, err)
	}

	if err := r.ledgerCache.Set(revRegID, def); err != nil {
		logger.Warnf("failed to cache registry definition %s: %v", revRegID, err)
	}

	return def, nil
}

func closeSession(session ledger.Session) {
	if err := session.Close(); err != nil {
		logger.Errorf("failed to close ledger session: %v", err)
	}
}
