/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package indy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperledger/aries-framework-go/component/storageutil/mem"
	"github.com/stretchr/testify/require"

	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/issuecredential"
	"github.com/verifiableworks/agent-core/pkg/didcomm/service"
	"github.com/verifiableworks/agent-core/pkg/events"
	mockledger "github.com/verifiableworks/agent-core/pkg/mock/ledger"
	mockprovider "github.com/verifiableworks/agent-core/pkg/mock/provider"
	mockrevocation "github.com/verifiableworks/agent-core/pkg/mock/revocation"
	mockwallet "github.com/verifiableworks/agent-core/pkg/mock/wallet"
	"github.com/verifiableworks/agent-core/pkg/revocation"
	"github.com/verifiableworks/agent-core/pkg/wallet"
)

const (
	testIssuerDID = "WgWxqztrNooG92RXvxSTWv"
	testSchemaID  = testIssuerDID + ":2:degree_schema:1.0"
	testCredDefID = testIssuerDID + ":3:CL:20:tag"
)

type fixture struct {
	handler    *Handler
	issuer     *mockwallet.MockIssuer
	holder     *mockwallet.MockHolder
	session    *mockledger.MockSession
	registrar  *mockrevocation.MockRegistrar
	registries *revocation.IssuerRegistry
}

func newFixture(t *testing.T, revocable bool) *fixture {
	t.Helper()

	credDefValue := map[string]interface{}{"primary": map[string]interface{}{}}
	if revocable {
		credDefValue["revocation"] = map[string]interface{}{"g": "1 ABCD"}
	}

	session := &mockledger.MockSession{
		Schemas: map[string]map[string]interface{}{testSchemaID: {"name": "degree_schema"}},
		CredDefs: map[string]map[string]interface{}{
			testCredDefID: {"id": testCredDefID, "value": credDefValue},
		},
	}

	registrar := &mockrevocation.MockRegistrar{}

	p := &mockprovider.Provider{
		StorageProviderValue: mem.NewProvider(),
		LedgerProviderValue:  &mockledger.MockProvider{SessionValue: session},
		RegistrarValue:       registrar,
		EventBusValue:        events.NewBus(),
		PublicDIDValue:       testIssuerDID,
	}

	registries, err := revocation.New(p)
	require.NoError(t, err)

	issuer := &mockwallet.MockIssuer{
		OfferValue: map[string]interface{}{
			"cred_def_id": testCredDefID,
			"schema_id":   testSchemaID,
			"nonce":       "9876543210",
		},
		CredValue: map[string]interface{}{"values": map[string]interface{}{"name": "Alice"}},
		CredRevID: "1",
	}

	holder := &mockwallet.MockHolder{
		RequestValue:  map[string]interface{}{"prover_did": "did:sov:holder", "nonce": "5432"},
		MetadataValue: map[string]interface{}{"master_secret_name": "default"},
		StoredIDValue: "stored-cred-1",
	}

	p.IssuerWalletValue = issuer
	p.HolderWalletValue = holder
	p.RevocationRegistriesValue = registries

	handler, err := New(p)
	require.NoError(t, err)

	return &fixture{
		handler:    handler,
		issuer:     issuer,
		holder:     holder,
		session:    session,
		registrar:  registrar,
		registries: registries,
	}
}

func exchangeRecord(t *testing.T, id string) *issuecredential.ExchangeRecord {
	t.Helper()

	msg, err := service.NewDIDCommMsgMap(&issuecredential.OfferCredential{
		Type:              issuecredential.OfferCredentialMsgType,
		ID:                id,
		CredentialPreview: issuecredential.NewCredentialPreview(map[string]string{"name": "Alice", "degree": "Maths"}),
	})
	require.NoError(t, err)

	return &issuecredential.ExchangeRecord{ID: id, ThreadID: id, CredOffer: msg}
}

// prepareIssuance walks an exchange to the point where the issuer can sign:
// offer created, request received.
func prepareIssuance(t *testing.T, f *fixture, id string) *issuecredential.ExchangeRecord {
	t.Helper()

	ctx := context.Background()
	rec := exchangeRecord(t, id)

	_, _, err := f.handler.CreateOffer(ctx, rec,
		map[string]interface{}{"cred_def_id": testCredDefID, "schema_id": testSchemaID})
	require.NoError(t, err)

	_, requestAttach, err := f.handler.attach(RequestFormat,
		map[string]interface{}{"prover_did": "did:sov:holder"})
	require.NoError(t, err)

	require.NoError(t, f.handler.ReceiveRequest(ctx, rec, requestAttach))

	return rec
}

func stageActiveRegistry(t *testing.T, f *fixture, size int) *revocation.RegistryRecord {
	t.Helper()

	ctx := context.Background()

	reg, err := f.registries.InitRegistry(ctx, testIssuerDID, testCredDefID, size)
	require.NoError(t, err)
	require.NoError(t, f.registries.StageRegistry(ctx, reg, 1))

	return reg
}

func TestSupports(t *testing.T) {
	f := newFixture(t, false)

	for _, id := range []string{FilterFormat, OfferFormat, RequestFormat, CredentialFormat} {
		require.True(t, f.handler.Supports(id))
	}

	require.False(t, f.handler.Supports("aries/ld-proof-vc-detail@v1.0"))
}

func TestNewAppliesRetryDefaults(t *testing.T) {
	f := newFixture(t, false)

	require.Equal(t, DefaultProvisionRetryBudget, f.handler.ProvisionRetryBudget)
	require.Equal(t, DefaultProvisionRetryDelay, f.handler.ProvisionRetryDelay)
	require.Equal(t, DefaultFullRetryBudget, f.handler.FullRetryBudget)
	require.Equal(t, DefaultFullRetryDelay, f.handler.FullRetryDelay)
}

func TestMissingAttachmentIsCapabilityGap(t *testing.T) {
	f := newFixture(t, false)

	ctx := context.Background()
	rec := exchangeRecord(t, "ex-1")

	require.ErrorIs(t, f.handler.ReceiveProposal(ctx, rec, nil), format.ErrCapability)
	require.ErrorIs(t, f.handler.ReceiveOffer(ctx, rec, nil), format.ErrCapability)
	require.ErrorIs(t, f.handler.ReceiveRequest(ctx, rec, nil), format.ErrCapability)
	require.ErrorIs(t, f.handler.ReceiveCredential(ctx, rec, nil), format.ErrCapability)
}

func TestProposalSeedsOffer(t *testing.T) {
	f := newFixture(t, false)

	ctx := context.Background()
	rec := exchangeRecord(t, "ex-1")

	_, _, err := f.handler.CreateProposal(ctx, rec,
		map[string]interface{}{"cred_def_id": testCredDefID, "schema_id": testSchemaID})
	require.NoError(t, err)

	// The offer falls back to the definition the proposal seeded.
	desc, _, err := f.handler.CreateOffer(ctx, rec, nil)
	require.NoError(t, err)
	require.Equal(t, OfferFormat, desc.Format)

	// Without any filtered definition there is nothing to offer against.
	_, _, err = f.handler.CreateOffer(ctx, exchangeRecord(t, "ex-2"), map[string]interface{}{})
	require.Error(t, err)
}

func TestOfferMemoization(t *testing.T) {
	t.Run("concurrent offers for one definition hit the wallet once", func(t *testing.T) {
		f := newFixture(t, false)

		ctx := context.Background()
		filter := map[string]interface{}{"cred_def_id": testCredDefID, "schema_id": testSchemaID}

		const workers = 8

		errs := make(chan error, workers)

		var wg sync.WaitGroup

		for i := 0; i < workers; i++ {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				rec := &issuecredential.ExchangeRecord{ID: fmt.Sprintf("ex-%d", i)}

				_, _, err := f.handler.CreateOffer(ctx, rec, filter)
				errs <- err
			}(i)
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		require.EqualValues(t, 1, atomic.LoadInt32(&f.issuer.OfferCalls))
	})

	t.Run("a different definition misses the cache", func(t *testing.T) {
		f := newFixture(t, false)

		ctx := context.Background()

		_, _, err := f.handler.CreateOffer(ctx, exchangeRecord(t, "ex-1"),
			map[string]interface{}{"cred_def_id": testCredDefID})
		require.NoError(t, err)

		_, _, err = f.handler.CreateOffer(ctx, exchangeRecord(t, "ex-2"),
			map[string]interface{}{"cred_def_id": testIssuerDID + ":3:CL:21:other"})
		require.NoError(t, err)

		require.EqualValues(t, 2, atomic.LoadInt32(&f.issuer.OfferCalls))
	})
}

func TestRequestMemoization(t *testing.T) {
	f := newFixture(t, false)

	ctx := context.Background()

	receiveOffer := func(id string) *issuecredential.ExchangeRecord {
		rec := exchangeRecord(t, id)

		_, offerAttach, err := f.handler.attach(OfferFormat, f.issuer.OfferValue)
		require.NoError(t, err)

		require.NoError(t, f.handler.ReceiveOffer(ctx, rec, offerAttach))

		return rec
	}

	rec1 := receiveOffer("ex-1")

	_, _, err := f.handler.CreateRequest(ctx, rec1, "did:sov:holder")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.holder.RequestCalls))

	// Same definition, holder and offer nonce: served from cache.
	rec2 := receiveOffer("ex-2")

	_, _, err = f.handler.CreateRequest(ctx, rec2, "did:sov:holder")
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&f.holder.RequestCalls))

	// A different holder DID binds differently and misses.
	rec3 := receiveOffer("ex-3")

	_, _, err = f.handler.CreateRequest(ctx, rec3, "did:sov:other")
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&f.holder.RequestCalls))
}

func TestIssueCredentialNonRevocable(t *testing.T) {
	f := newFixture(t, false)

	rec := prepareIssuance(t, f, "ex-1")

	var gotRevRegID, gotTailsPath string

	var gotValues map[string]string

	f.issuer.CreateCredentialFunc = func(ctx context.Context, schema, offer, request map[string]interface{},
		values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
		gotRevRegID = revRegID
		gotTailsPath = tailsPath
		gotValues = values

		return f.issuer.CredValue, "", nil
	}

	desc, attachment, err := f.handler.IssueCredential(context.Background(), rec)
	require.NoError(t, err)
	require.Equal(t, CredentialFormat, desc.Format)
	require.NotNil(t, attachment)

	// No revocation support on the definition: no registry slot consumed.
	require.Empty(t, gotRevRegID)
	require.Empty(t, gotTailsPath)
	require.Equal(t, map[string]string{"name": "Alice", "degree": "Maths"}, gotValues)
}

func TestIssueCredentialRevocable(t *testing.T) {
	t.Run("consumes a slot in the active registry", func(t *testing.T) {
		f := newFixture(t, true)

		reg := stageActiveRegistry(t, f, revocation.MinRegistrySize)
		rec := prepareIssuance(t, f, "ex-1")

		var gotRevRegID, gotTailsPath string

		f.issuer.CreateCredentialFunc = func(ctx context.Context, schema, offer, request map[string]interface{},
			values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
			gotRevRegID = revRegID
			gotTailsPath = tailsPath

			return f.issuer.CredValue, "1", nil
		}

		_, _, err := f.handler.IssueCredential(context.Background(), rec)
		require.NoError(t, err)
		require.Equal(t, reg.RevocRegID, gotRevRegID)
		require.Equal(t, reg.TailsLocalPath, gotTailsPath)

		detail, err := f.handler.getDetail(rec.ID)
		require.NoError(t, err)
		require.Equal(t, reg.RevocRegID, detail.RevRegID)
		require.Equal(t, "1", detail.CredRevID)
	})

	t.Run("retires the registry on the last slot", func(t *testing.T) {
		f := newFixture(t, true)

		reg := stageActiveRegistry(t, f, revocation.MinRegistrySize)
		rec := prepareIssuance(t, f, "ex-1")

		lastSlot := fmt.Sprintf("%d", reg.MaxCredNum)

		f.issuer.CreateCredentialFunc = func(ctx context.Context, schema, offer, request map[string]interface{},
			values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
			return f.issuer.CredValue, lastSlot, nil
		}

		_, _, err := f.handler.IssueCredential(context.Background(), rec)
		require.NoError(t, err)

		saved, err := f.registries.GetRegistryRecord(reg.ID)
		require.NoError(t, err)
		require.Equal(t, revocation.StateFull, saved.State)

		// A replacement is staged in the background.
		require.Eventually(t, func() bool {
			return atomic.LoadInt32(&f.registrar.GenerateCalls) >= 2
		}, 5*time.Second, 50*time.Millisecond)
	})

	t.Run("rides out losing the last-slot race", func(t *testing.T) {
		f := newFixture(t, true)

		reg := stageActiveRegistry(t, f, revocation.MinRegistrySize)
		rec := prepareIssuance(t, f, "ex-1")

		var calls int32

		var secondRevRegID string

		f.issuer.CreateCredentialFunc = func(ctx context.Context, schema, offer, request map[string]interface{},
			values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, "", wallet.ErrRevocationRegistryFull
			}

			secondRevRegID = revRegID

			return f.issuer.CredValue, "1", nil
		}

		_, _, err := f.handler.IssueCredential(context.Background(), rec)
		require.NoError(t, err)
		require.EqualValues(t, 2, atomic.LoadInt32(&calls))

		// The retry landed on the staged replacement, not the full registry.
		require.NotEmpty(t, secondRevRegID)
		require.NotEqual(t, reg.RevocRegID, secondRevRegID)
	})

	t.Run("provisions registries when none exist yet", func(t *testing.T) {
		f := newFixture(t, true)

		rec := prepareIssuance(t, f, "ex-1")

		_, _, err := f.handler.IssueCredential(context.Background(), rec)
		require.NoError(t, err)

		// The first issuance triggered a provisioning batch.
		require.EqualValues(t, provisionBatch, atomic.LoadInt32(&f.registrar.GenerateCalls))
	})

	t.Run("gives up when provisioning never yields an active registry", func(t *testing.T) {
		f := newFixture(t, true)

		rec := prepareIssuance(t, f, "ex-1")

		f.registrar.GenerateErr = errors.New("ledger unreachable")
		f.handler.ProvisionRetryDelay = time.Millisecond

		_, _, err := f.handler.IssueCredential(context.Background(), rec)
		require.ErrorIs(t, err, revocation.ErrNoActiveRegistry)
		require.Contains(t, err.Error(),
			fmt.Sprintf("after %d provisioning waits", DefaultProvisionRetryBudget))
	})

	t.Run("surfaces exhaustion when every registry fills", func(t *testing.T) {
		f := newFixture(t, true)

		for i := 0; i < 4; i++ {
			stageActiveRegistry(t, f, revocation.MinRegistrySize)
		}

		rec := prepareIssuance(t, f, "ex-1")

		f.issuer.CreateCredentialFunc = func(ctx context.Context, schema, offer, request map[string]interface{},
			values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
			return nil, "", wallet.ErrRevocationRegistryFull
		}

		f.handler.FullRetryBudget = 3
		f.handler.FullRetryDelay = time.Millisecond
		f.handler.ProvisionRetryDelay = time.Millisecond

		_, _, err := f.handler.IssueCredential(context.Background(), rec)
		require.ErrorIs(t, err, wallet.ErrRevocationRegistryFull)
		require.Contains(t, err.Error(), "full after 3 retries")
	})

	t.Run("context cancellation aborts the retry wait", func(t *testing.T) {
		f := newFixture(t, true)

		stageActiveRegistry(t, f, revocation.MinRegistrySize)
		rec := prepareIssuance(t, f, "ex-1")

		f.issuer.CreateCredentialFunc = func(ctx context.Context, schema, offer, request map[string]interface{},
			values map[string]string, revRegID, tailsPath string) (map[string]interface{}, string, error) {
			return nil, "", wallet.ErrRevocationRegistryFull
		}

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, _, err := f.handler.IssueCredential(ctx, rec)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestIssueRequiresOfferAndRequest(t *testing.T) {
	f := newFixture(t, false)

	ctx := context.Background()
	rec := exchangeRecord(t, "ex-1")

	_, _, err := f.handler.CreateOffer(ctx, rec,
		map[string]interface{}{"cred_def_id": testCredDefID, "schema_id": testSchemaID})
	require.NoError(t, err)

	_, _, err = f.handler.IssueCredential(ctx, rec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "offer and request are required")
}

func TestStoreCredential(t *testing.T) {
	f := newFixture(t, false)

	ctx := context.Background()

	receiveOffer := func(id string) *issuecredential.ExchangeRecord {
		rec := exchangeRecord(t, id)

		_, offerAttach, err := f.handler.attach(OfferFormat, f.issuer.OfferValue)
		require.NoError(t, err)

		require.NoError(t, f.handler.ReceiveOffer(ctx, rec, offerAttach))

		return rec
	}

	t.Run("validates and stores through the wallet", func(t *testing.T) {
		rec := receiveOffer("ex-1")

		_, _, err := f.handler.CreateRequest(ctx, rec, "did:sov:holder")
		require.NoError(t, err)

		_, credAttach, err := f.handler.attach(CredentialFormat,
			map[string]interface{}{"values": map[string]interface{}{"name": "Alice"}})
		require.NoError(t, err)

		require.NoError(t, f.handler.ReceiveCredential(ctx, rec, credAttach))
		require.NoError(t, f.handler.StoreCredential(ctx, rec, ""))

		detail, err := f.handler.getDetail(rec.ID)
		require.NoError(t, err)
		require.Equal(t, "stored-cred-1", detail.CredIDStored)
	})

	t.Run("a caller-chosen id wins", func(t *testing.T) {
		rec := receiveOffer("ex-2")

		_, _, err := f.handler.CreateRequest(ctx, rec, "did:sov:holder")
		require.NoError(t, err)

		_, credAttach, err := f.handler.attach(CredentialFormat, map[string]interface{}{})
		require.NoError(t, err)

		require.NoError(t, f.handler.ReceiveCredential(ctx, rec, credAttach))
		require.NoError(t, f.handler.StoreCredential(ctx, rec, "my-cred"))

		detail, err := f.handler.getDetail(rec.ID)
		require.NoError(t, err)
		require.Equal(t, "my-cred", detail.CredIDStored)
	})

	t.Run("refuses to store without request metadata", func(t *testing.T) {
		rec := receiveOffer("ex-3")

		_, credAttach, err := f.handler.attach(CredentialFormat, map[string]interface{}{})
		require.NoError(t, err)

		require.NoError(t, f.handler.ReceiveCredential(ctx, rec, credAttach))

		err = f.handler.StoreCredential(ctx, rec, "")
		require.Error(t, err)
		require.Contains(t, err.Error(), "request metadata")
	})
}
