/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ldproof implements the aries linked-data-proof attachment formats
// for the issue-credential protocol. Credentials are canonicalized with
// URDNA2015 and signed through the wallet signer.
package ldproof

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/spi/storage"
	"github.com/piprate/json-gold/ld"

	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/issuecredential"
	"github.com/verifiableworks/agent-core/pkg/store/record"
	"github.com/verifiableworks/agent-core/pkg/wallet"
)

// Attachment format identifiers.
const (
	DetailFormat     = "aries/ld-proof-vc-detail@v1.0"
	CredentialFormat = "aries/ld-proof-vc@v1.0"
)

const (
	detailStoreName = "ld_credential_detail"

	proofType    = "Ed25519Signature2018"
	proofPurpose = "assertionMethod"
)

type provider interface {
	StorageProvider() storage.Provider
	Signer() wallet.Signer
	// VerificationMethod is the key reference written into issued proofs
	// and passed to the signer.
	VerificationMethod() string
}

// Handler implements the aries ld-proof formats.
type Handler struct {
	details            *record.Store
	signer             wallet.Signer
	verificationMethod string
	documentLoader     *ld.CachingDocumentLoader
}

// detailRecord is the ld-proof half of one credential exchange.
type detailRecord struct {
	CredExID   string                 `json:"cred_ex_id"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
	Credential map[string]interface{} `json:"credential,omitempty"`
	StoredID   string                 `json:"stored_id,omitempty"`

	version uint64
}

func (r *detailRecord) RecordID() string          { return r.CredExID }
func (r *detailRecord) RecordState() string       { return "" }
func (r *detailRecord) RecordTags() []storage.Tag { return nil }
func (r *detailRecord) Version() uint64           { return r.version }
func (r *detailRecord) SetVersion(version uint64) { r.version = version }

// New returns the ld-proof format handler.
func New(p provider) (*Handler, error) {
	details, err := record.NewStore(p, detailStoreName, nil)
	if err != nil {
		return nil, fmt.Errorf("open ld-proof detail store: %w", err)
	}

	return &Handler{
		details:            details,
		signer:             p.Signer(),
		verificationMethod: p.VerificationMethod(),
		documentLoader:     ld.NewCachingDocumentLoader(ld.NewRFC7324CachingDocumentLoader(&http.Client{})),
	}, nil
}

// Supports implements issuecredential.FormatHandler.
func (h *Handler) Supports(formatID string) bool {
	return formatID == DetailFormat || formatID == CredentialFormat
}

// CreateProposal attaches the ld-proof credential detail.
func (h *Handler) CreateProposal(ctx context.Context, rec *issuecredential.ExchangeRecord,
	filter map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	if err := h.saveDetail(ctx, rec.ID, filter); err != nil {
		return format.Descriptor{}, nil, err
	}

	return attach(DetailFormat, filter)
}

// ReceiveProposal records the proposed credential detail.
func (h *Handler) ReceiveProposal(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	return h.receiveDetail(ctx, rec.ID, attachment)
}

// CreateOffer echoes the credential detail: linked-data-proof issuance
// carries the same detail document through proposal, offer and request.
func (h *Handler) CreateOffer(ctx context.Context, rec *issuecredential.ExchangeRecord,
	filter map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	detail, err := h.getDetail(rec.ID)
	if err != nil && !errors.Is(err, record.ErrNotFound) {
		return format.Descriptor{}, nil, err
	}

	doc := filter
	if doc == nil && detail != nil {
		doc = detail.Detail
	}

	if doc == nil {
		return format.Descriptor{}, nil, errors.New("no credential detail to offer")
	}

	if err := h.saveDetail(ctx, rec.ID, doc); err != nil {
		return format.Descriptor{}, nil, err
	}

	return attach(DetailFormat, doc)
}

// ReceiveOffer records the offered credential detail.
func (h *Handler) ReceiveOffer(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	return h.receiveDetail(ctx, rec.ID, attachment)
}

// CreateRequest echoes the credential detail back as the request.
func (h *Handler) CreateRequest(ctx context.Context, rec *issuecredential.ExchangeRecord,
	holderDID string) (format.Descriptor, *decorator.Attachment, error) {
	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	if detail.Detail == nil {
		return format.Descriptor{}, nil, errors.New("no credential detail to request")
	}

	return attach(DetailFormat, detail.Detail)
}

// ReceiveRequest records the requested credential detail.
func (h *Handler) ReceiveRequest(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	return h.receiveDetail(ctx, rec.ID, attachment)
}

// IssueCredential signs the requested credential: the document is
// canonicalized with URDNA2015 and the resulting n-quads signed by the
// wallet key behind the handler's verification method.
func (h *Handler) IssueCredential(ctx context.Context,
	rec *issuecredential.ExchangeRecord) (format.Descriptor, *decorator.Attachment, error) {
	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	credential, ok := detail.Detail["credential"].(map[string]interface{})
	if !ok {
		return format.Descriptor{}, nil, errors.New("credential detail has no credential document")
	}

	normalized, err := h.canonicalize(credential)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	signature, err := h.signer.Sign(ctx, h.verificationMethod, normalized)
	if err != nil {
		return format.Descriptor{}, nil, fmt.Errorf("sign credential: %w", err)
	}

	signed := map[string]interface{}{}
	for k, v := range credential {
		signed[k] = v
	}

	signed["proof"] = map[string]interface{}{
		"type":               proofType,
		"created":            time.Now().UTC().Format(time.RFC3339),
		"verificationMethod": h.verificationMethod,
		"proofPurpose":       proofPurpose,
		"proofValue":         base64.RawURLEncoding.EncodeToString(signature),
	}

	detail.Credential = signed

	if err := h.details.Save(ctx, detail); err != nil {
		return format.Descriptor{}, nil, err
	}

	return attach(CredentialFormat, signed)
}

// ReceiveCredential records the issued credential, requiring a proof block.
func (h *Handler) ReceiveCredential(ctx context.Context, rec *issuecredential.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	credential, err := attachment.Fetch()
	if err != nil {
		return err
	}

	if credential["proof"] == nil {
		return errors.New("received credential carries no proof")
	}

	detail, err := h.getDetail(rec.ID)
	if errors.Is(err, record.ErrNotFound) {
		detail = &detailRecord{CredExID: rec.ID}
	} else if err != nil {
		return err
	}

	detail.Credential = credential

	return h.details.Save(ctx, detail)
}

// StoreCredential marks the credential as held under the given id.
func (h *Handler) StoreCredential(ctx context.Context, rec *issuecredential.ExchangeRecord,
	credID string) error {
	detail, err := h.getDetail(rec.ID)
	if err != nil {
		return err
	}

	if detail.Credential == nil {
		return errors.New("no received credential to store")
	}

	detail.StoredID = credID

	return h.details.Save(ctx, detail)
}

func (h *Handler) canonicalize(doc map[string]interface{}) ([]byte, error) {
	proc := ld.NewJsonLdProcessor()

	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = ld.AlgorithmURDNA2015
	opts.DocumentLoader = h.documentLoader

	normalized, err := proc.Normalize(doc, opts)
	if err != nil {
		return nil, fmt.Errorf("canonicalize credential: %w", err)
	}

	quads, ok := normalized.(string)
	if !ok {
		return nil, errors.New("unexpected canonicalization result")
	}

	return []byte(quads), nil
}

func (h *Handler) getDetail(credExID string) (*detailRecord, error) {
	detail := &detailRecord{}
	if err := h.details.Retrieve(credExID, detail); err != nil {
		return nil, err
	}

	return detail, nil
}

func (h *Handler) saveDetail(ctx context.Context, credExID string, doc map[string]interface{}) error {
	detail, err := h.getDetail(credExID)
	if errors.Is(err, record.ErrNotFound) {
		detail = &detailRecord{CredExID: credExID}
	} else if err != nil {
		return err
	}

	detail.Detail = doc

	return h.details.Save(ctx, detail)
}

func (h *Handler) receiveDetail(ctx context.Context, credExID string, attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	doc, err := attachment.Fetch()
	if err != nil {
		return err
	}

	return h.saveDetail(ctx, credExID, doc)
}

func attach(formatID string, payload map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	attachment, err := decorator.NewJSONAttachment(uuid.New().String(), payload)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	return format.Descriptor{AttachID: attachment.ID, Format: formatID}, &attachment, nil
}
