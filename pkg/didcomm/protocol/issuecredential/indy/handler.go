/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package indy implements the hlindy attachment formats for the
// issue-credential protocol, including offer/request memoization and the
// bounded retry policy around revocation registry exhaustion.
package indy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"
	"github.com/hyperledger/aries-framework-go/spi/storage"

	"github.com/verifiableworks/agent-core/pkg/common/kmutex"
	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/issuecredential"
	"github.com/verifiableworks/agent-core/pkg/ledger"
	"github.com/verifiableworks/agent-core/pkg/revocation"
	"github.com/verifiableworks/agent-core/pkg/store/record"
	"github.com/verifiableworks/agent-core/pkg/wallet"
)

var logger = log.New("agent-core/issuecredential/indy")

// Attachment format identifiers.
const (
	FilterFormat     = "hlindy/cred-filter@v2.0"
	OfferFormat      = "hlindy/cred-abstract@v2.0"
	RequestFormat    = "hlindy/cred-req@v2.0"
	CredentialFormat = "hlindy/cred@v2.0"
)

// Default retry policy for revocation registry exhaustion during issuance.
// The two paths carry separate budgets: waiting out fresh provisioning is
// slow and bounded tightly, while losing a last-slot race only needs the
// in-flight replacement to finish staging.
const (
	DefaultProvisionRetryBudget = 5
	DefaultProvisionRetryDelay  = 2 * time.Second

	DefaultFullRetryBudget = 16
	DefaultFullRetryDelay  = time.Second
)

const (
	provisionBatch   = 2
	stageMaxAttempts = 3
)

const (
	cacheSize = 64
	cacheTTL  = 3600 * time.Second
)

type provider interface {
	StorageProvider() storage.Provider
	LedgerProvider() ledger.Provider
	IssuerWallet() wallet.Issuer
	HolderWallet() wallet.Holder
	RevocationRegistries() *revocation.IssuerRegistry
	PublicDID() string
}

// Handler implements the hlindy formats. The retry fields default to the
// package constants and may be tuned before the handler serves traffic.
type Handler struct {
	details    *record.Store
	ledger     ledger.Provider
	issuer     wallet.Issuer
	holder     wallet.Holder
	registries *revocation.IssuerRegistry
	publicDID  string

	ProvisionRetryBudget int
	ProvisionRetryDelay  time.Duration
	FullRetryBudget      int
	FullRetryDelay       time.Duration

	cache     gcache.Cache
	cacheLock *kmutex.KeyedMutex
}

// New returns the indy format handler.
func New(p provider) (*Handler, error) {
	details, err := record.NewStore(p, detailStoreName, []string{"credDefId"})
	if err != nil {
		return nil, fmt.Errorf("open indy detail store: %w", err)
	}

	return &Handler{
		details:    details,
		ledger:     p.LedgerProvider(),
		issuer:     p.IssuerWallet(),
		holder:     p.HolderWallet(),
		registries: p.RevocationRegistries(),
		publicDID:  p.PublicDID(),

		ProvisionRetryBudget: DefaultProvisionRetryBudget,
		ProvisionRetryDelay:  DefaultProvisionRetryDelay,
		FullRetryBudget:      DefaultFullRetryBudget,
		FullRetryDelay:       DefaultFullRetryDelay,

		cache:     gcache.New(cacheSize).LRU().Build(),
		cacheLock: kmutex.New(),
	}, nil
}

// Supports implements issuecredential.FormatHandler.
func (h *Handler) Supports(formatID string) bool {
	switch formatID {
	case FilterFormat, OfferFormat, RequestFormat, CredentialFormat:
		return true
	}

	return false
}

// CreateProposal attaches the indy credential filter and seeds the detail
// record with the proposed credential definition.
func (h *Handler) CreateProposal(ctx context.Context, rec *issuecredential.ExchangeRecord,
	filter map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	detail := &DetailRecord{
		CredExID:  rec.ID,
		CredDefID: str(filter, "cred_def_id"),
		SchemaID:  str(filter, "schema_id"),
	}

	if err := h.details.Save(ctx, detail); err != nil {
		return format.Descriptor{}, nil, err
	}

	return h.attach(FilterFormat, filter)
}

// ReceiveProposal records the proposed filter for the offer step.
func (h *Handler) ReceiveProposal(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	filter, err := attachment.Fetch()
	if err != nil {
		return err
	}

	detail := &DetailRecord{
		CredExID:  rec.ID,
		CredDefID: str(filter, "cred_def_id"),
		SchemaID:  str(filter, "schema_id"),
	}

	return h.details.Save(ctx, detail)
}

// CreateOffer builds a credential offer for the filtered credential
// definition. Offers for the same definition are memoized for an hour;
// concurrent creators of the same definition serialize on a per-key lock so
// the wallet is hit once, while other definitions proceed unblocked.
func (h *Handler) CreateOffer(ctx context.Context, rec *issuecredential.ExchangeRecord,
	filter map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	detail, err := h.getOrCreateDetail(rec.ID)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	if credDefID := str(filter, "cred_def_id"); credDefID != "" {
		detail.CredDefID = credDefID
		detail.SchemaID = str(filter, "schema_id")
	}

	if detail.CredDefID == "" {
		return format.Descriptor{}, nil, errors.New("no credential definition id to offer against")
	}

	key := fmt.Sprintf("credential_offer::%s", detail.CredDefID)

	unlock := h.cacheLock.Lock(key)
	defer unlock()

	var offer map[string]interface{}

	if cached, cacheErr := h.cache.Get(key); cacheErr == nil {
		offer = cached.(map[string]interface{})
	} else {
		offer, err = h.issuer.CreateCredentialOffer(ctx, detail.CredDefID)
		if err != nil {
			return format.Descriptor{}, nil, fmt.Errorf("create credential offer: %w", err)
		}

		if err := h.cache.SetWithExpire(key, offer, cacheTTL); err != nil {
			logger.Warnf("failed to cache offer for %s: %v", detail.CredDefID, err)
		}
	}

	detail.Offer = offer
	if detail.SchemaID == "" {
		detail.SchemaID = str(offer, "schema_id")
	}

	if err := h.details.Save(ctx, detail); err != nil {
		return format.Descriptor{}, nil, err
	}

	return h.attach(OfferFormat, offer)
}

// ReceiveOffer records the received offer for the request step.
func (h *Handler) ReceiveOffer(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	offer, err := attachment.Fetch()
	if err != nil {
		return err
	}

	detail, err := h.getOrCreateDetail(rec.ID)
	if err != nil {
		return err
	}

	detail.Offer = offer
	detail.CredDefID = str(offer, "cred_def_id")
	detail.SchemaID = str(offer, "schema_id")

	return h.details.Save(ctx, detail)
}

// CreateRequest builds a credential request bound to the holder DID.
// Requests are memoized per (definition, holder, offer nonce) so redelivered
// offers do not burn wallet calls.
func (h *Handler) CreateRequest(ctx context.Context, rec *issuecredential.ExchangeRecord,
	holderDID string) (format.Descriptor, *decorator.Attachment, error) {
	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	if detail.Offer == nil {
		return format.Descriptor{}, nil, errors.New("no offer to build a request against")
	}

	credDef, err := h.fetchCredDef(ctx, detail.CredDefID)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	key := fmt.Sprintf("credential_request::%s::%s::%s",
		detail.CredDefID, holderDID, str(detail.Offer, "nonce"))

	unlock := h.cacheLock.Lock(key)
	defer unlock()

	type requestPair struct {
		request  map[string]interface{}
		metadata map[string]interface{}
	}

	var pair requestPair

	if cached, cacheErr := h.cache.Get(key); cacheErr == nil {
		pair = cached.(requestPair)
	} else {
		pair.request, pair.metadata, err = h.holder.CreateCredentialRequest(ctx, detail.Offer, credDef, holderDID)
		if err != nil {
			return format.Descriptor{}, nil, fmt.Errorf("create credential request: %w", err)
		}

		if err := h.cache.SetWithExpire(key, pair, cacheTTL); err != nil {
			logger.Warnf("failed to cache request for %s: %v", detail.CredDefID, err)
		}
	}

	detail.Request = pair.request
	detail.RequestMetadata = pair.metadata

	if err := h.details.Save(ctx, detail); err != nil {
		return format.Descriptor{}, nil, err
	}

	return h.attach(RequestFormat, pair.request)
}

// ReceiveRequest records the received request for the issue step.
func (h *Handler) ReceiveRequest(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	request, err := attachment.Fetch()
	if err != nil {
		return err
	}

	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return err
	}

	detail.Request = request

	return h.details.Save(ctx, detail)
}

// IssueCredential signs the credential. For revocable credential
// definitions it acquires a slot in the active revocation registry, riding
// out missing or exhausted registries on the bounded retry policy above.
func (h *Handler) IssueCredential(ctx context.Context,
	rec *issuecredential.ExchangeRecord) (format.Descriptor, *decorator.Attachment, error) {
	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	if detail.Offer == nil || detail.Request == nil {
		return format.Descriptor{}, nil, errors.New("offer and request are required to issue")
	}

	offerMsg := &issuecredential.OfferCredential{}
	if err := rec.CredOffer.Decode(offerMsg); err != nil {
		return format.Descriptor{}, nil, fmt.Errorf("decode stored offer message: %w", err)
	}

	values := offerMsg.CredentialPreview.AttributeValues()

	session, err := h.ledger.OpenSession(ctx)
	if err != nil {
		return format.Descriptor{}, nil, fmt.Errorf("open ledger session: %w", err)
	}

	schema, credDef, err := fetchIssuanceArtifacts(ctx, session, detail)

	closeSession(session)

	if err != nil {
		return format.Descriptor{}, nil, err
	}

	var cred map[string]interface{}

	if !ledger.CredDefSupportsRevocation(credDef) {
		cred, _, err = h.issuer.CreateCredential(ctx, schema, detail.Offer, detail.Request, values, "", "")
		if err != nil {
			return format.Descriptor{}, nil, fmt.Errorf("create credential: %w", err)
		}
	} else {
		cred, err = h.issueRevocable(ctx, detail, schema, values)
		if err != nil {
			return format.Descriptor{}, nil, err
		}
	}

	detail.Credential = cred

	if err := h.details.Save(ctx, detail); err != nil {
		return format.Descriptor{}, nil, err
	}

	return h.attach(CredentialFormat, cred)
}

// issueRevocable runs the registry contention loop: an explicit bounded
// loop, one counter per failure path.
func (h *Handler) issueRevocable(ctx context.Context, detail *DetailRecord, schema map[string]interface{},
	values map[string]string) (map[string]interface{}, error) {
	provisionAttempts := 0
	fullAttempts := 0

	for {
		reg, err := h.registries.GetActiveRegistry(ctx, detail.CredDefID)
		if errors.Is(err, revocation.ErrNoActiveRegistry) {
			posted, postedErr := h.registries.HasPostedRegistry(ctx, detail.CredDefID)
			if postedErr != nil {
				return nil, postedErr
			}

			if !posted {
				err := h.registries.ProvisionRegistries(ctx, h.publicDID, detail.CredDefID,
					0, provisionBatch, stageMaxAttempts)
				if err != nil {
					return nil, err
				}
			}

			provisionAttempts++
			if provisionAttempts > h.ProvisionRetryBudget {
				return nil, fmt.Errorf("%w for %s after %d provisioning waits",
					revocation.ErrNoActiveRegistry, detail.CredDefID, h.ProvisionRetryBudget)
			}

			if err := wait(ctx, h.ProvisionRetryDelay); err != nil {
				return nil, err
			}

			continue
		}

		if err != nil {
			return nil, err
		}

		cred, credRevID, err := h.issuer.CreateCredential(ctx, schema, detail.Offer, detail.Request,
			values, reg.RevocRegID, reg.TailsLocalPath)
		if errors.Is(err, wallet.ErrRevocationRegistryFull) {
			// A concurrent issuer consumed the last slot first.
			h.retireRegistry(ctx, reg, detail.CredDefID)

			fullAttempts++
			if fullAttempts > h.FullRetryBudget {
				return nil, fmt.Errorf("revocation registry for %s full after %d retries: %w",
					detail.CredDefID, h.FullRetryBudget, err)
			}

			if err := wait(ctx, h.FullRetryDelay); err != nil {
				return nil, err
			}

			continue
		}

		if err != nil {
			return nil, fmt.Errorf("create credential: %w", err)
		}

		// This issuance took the last slot: retire the registry now so the
		// next issuance finds a replacement instead of discovering fullness
		// reactively.
		if n, convErr := strconv.Atoi(credRevID); convErr == nil && n >= reg.MaxCredNum {
			h.retireRegistry(ctx, reg, detail.CredDefID)
		}

		detail.RevRegID = reg.RevocRegID
		detail.CredRevID = credRevID

		return cred, nil
	}
}

// retireRegistry marks a registry full and provisions one replacement.
// Failures are logged: a concurrent issuer may have retired it already, and
// the retry loop re-reads registry state regardless.
func (h *Handler) retireRegistry(ctx context.Context, reg *revocation.RegistryRecord, credDefID string) {
	if err := h.registries.MarkFull(ctx, reg); err != nil {
		logger.Warnf("failed to mark registry %s full: %v", reg.ID, err)
	}

	if err := h.registries.ProvisionRegistries(ctx, h.publicDID, credDefID, reg.MaxCredNum, 1, stageMaxAttempts); err != nil {
		logger.Errorf("failed to provision replacement registry for %s: %v", credDefID, err)
	}
}

// ReceiveCredential records the received credential for the store step.
func (h *Handler) ReceiveCredential(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	cred, err := attachment.Fetch()
	if err != nil {
		return err
	}

	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return err
	}

	detail.Credential = cred
	detail.RevRegID = str(cred, "rev_reg_id")

	return h.details.Save(ctx, detail)
}

// StoreCredential validates and stores the received credential in the
// holder wallet, appending the stored id to the detail record.
func (h *Handler) StoreCredential(ctx context.Context, rec *issuecredential.ExchangeRecord,
	credID string) error {
	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return err
	}

	if detail.Credential == nil || detail.RequestMetadata == nil {
		return errors.New("credential and request metadata are required to store")
	}

	credDef, err := h.fetchCredDef(ctx, detail.CredDefID)
	if err != nil {
		return err
	}

	storedID, err := h.holder.StoreCredential(ctx, credDef, detail.Credential, detail.RequestMetadata, credID)
	if err != nil {
		return fmt.Errorf("store credential: %w", err)
	}

	detail.CredIDStored = storedID

	return h.details.Save(ctx, detail)
}

func (h *Handler) getDetail(credExID string) (*DetailRecord, error) {
	detail := &DetailRecord{}
	if err := h.details.Retrieve(credExID, detail); err != nil {
		return nil, err
	}

	return detail, nil
}

func (h *Handler) getOrCreateDetail(credExID string) (*DetailRecord, error) {
	detail, err := h.getDetail(credExID)
	if errors.Is(err, record.ErrNotFound) {
		return &DetailRecord{CredExID: credExID}, nil
	}

	if err != nil {
		return nil, err
	}

	return detail, nil
}

func (h *Handler) fetchCredDef(ctx context.Context, credDefID string) (map[string]interface{}, error) {
	session, err := h.ledger.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger session: %w", err)
	}

	defer closeSession(session)

	credDef, err := session.GetCredentialDefinition(ctx, credDefID)
	if err != nil {
		return nil, fmt.Errorf("get credential definition %s: %w", credDefID, err)
	}

	return credDef, nil
}

func (h *Handler) attach(formatID string, payload map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	attachment, err := decorator.NewJSONAttachment(uuid.New().String(), payload)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	return format.Descriptor{AttachID: attachment.ID, Format: formatID}, &attachment, nil
}

func fetchIssuanceArtifacts(ctx context.Context, session ledger.Session,
	detail *DetailRecord) (map[string]interface{}, map[string]interface{}, error) {
	schema, err := session.GetSchema(ctx, detail.SchemaID)
	if err != nil {
		return nil, nil, fmt.Errorf("get schema %s: %w", detail.SchemaID, err)
	}

	credDef, err := session.GetCredentialDefinition(ctx, detail.CredDefID)
	if err != nil {
		return nil, nil, fmt.Errorf("get credential definition %s: %w", detail.CredDefID, err)
	}

	return schema, credDef, nil
}

func closeSession(session ledger.Session) {
	if err := session.Close(); err != nil {
		logger.Errorf("failed to close ledger session: %v", err)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func str(doc map[string]interface{}, key string) string {
	if doc == nil {
		return ""
	}

	s, _ := doc[key].(string)

	return s
}
