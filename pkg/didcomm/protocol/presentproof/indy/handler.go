/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package indy implements the hlindy attachment formats for the
// present-proof protocol: proof request construction, credential selection
// and presentation building through the wallet, and verification of the
// presented proof against the request's restrictions.
package indy

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/hyperledger/aries-framework-go/component/log"

	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/presentproof"
	"github.com/verifiableworks/agent-core/pkg/ledger"
	"github.com/verifiableworks/agent-core/pkg/wallet"
)

var logger = log.New("agent-core/presentproof/indy")

// Attachment format identifiers.
const (
	ProofRequestFormat = "hlindy/proof-req@v2.0"
	ProofFormat        = "hlindy/proof@v2.0"
)

// ErrProofMismatch is returned when a presented proof does not line up with
// the proof request it answers.
var ErrProofMismatch = errors.New("presentation does not satisfy proof request")

type provider interface {
	LedgerProvider() ledger.Provider
	HolderWallet() wallet.Holder
	VerifierWallet() wallet.Verifier
}

// Handler implements the hlindy presentation formats. Proof material lives
// on the exchange record's stored messages; no separate detail store is
// needed.
type Handler struct {
	ledger   ledger.Provider
	holder   wallet.Holder
	verifier wallet.Verifier
}

// New returns the indy presentation format handler.
func New(p provider) *Handler {
	return &Handler{
		ledger:   p.LedgerProvider(),
		holder:   p.HolderWallet(),
		verifier: p.VerifierWallet(),
	}
}

// Supports implements presentproof.FormatHandler.
func (h *Handler) Supports(formatID string) bool {
	return formatID == ProofRequestFormat || formatID == ProofFormat
}

// CreateProposal attaches the proposed proof request outline.
func (h *Handler) CreateProposal(ctx context.Context, rec *presentproof.ExchangeRecord,
	proposal map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	return attach(ProofRequestFormat, proposal)
}

// ReceiveProposal accepts the proposed outline; the request step decides
// what to actually ask for.
func (h *Handler) ReceiveProposal(ctx context.Context, rec *presentproof.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	_, err := attachment.Fetch()

	return err
}

// CreateRequest attaches the proof request, stamping a fresh nonce when the
// caller did not provide one.
func (h *Handler) CreateRequest(ctx context.Context, rec *presentproof.ExchangeRecord,
	proofRequest map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	if proofRequest == nil {
		return format.Descriptor{}, nil, errors.New("proof request is required")
	}

	if str(proofRequest, "nonce") == "" {
		nonce, err := newNonce()
		if err != nil {
			return format.Descriptor{}, nil, err
		}

		proofRequest["nonce"] = nonce
	}

	return attach(ProofRequestFormat, proofRequest)
}

// ReceiveRequest checks the proof request is well formed.
func (h *Handler) ReceiveRequest(ctx context.Context, rec *presentproof.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	proofRequest, err := attachment.Fetch()
	if err != nil {
		return err
	}

	if proofRequest["requested_attributes"] == nil && proofRequest["requested_predicates"] == nil {
		return errors.New("proof request names no attributes or predicates")
	}

	return nil
}

// CreatePresentation builds the proof for the stored request. A nil
// requestedCredentials asks the wallet to select credentials itself, the
// auto-present path.
func (h *Handler) CreatePresentation(ctx context.Context, rec *presentproof.ExchangeRecord,
	requestedCredentials map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	proofRequest, err := storedProofRequest(rec)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	if proofRequest == nil {
		return format.Descriptor{}, nil, format.ErrCapability
	}

	if requestedCredentials == nil {
		requestedCredentials, err = h.holder.SelectCredentialsForRequest(ctx, proofRequest)
		if err != nil {
			return format.Descriptor{}, nil, fmt.Errorf("select credentials: %w", err)
		}
	}

	schemas, credDefs, err := h.fetchCredentialArtifacts(ctx, requestedCredentials)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	proof, err := h.holder.CreatePresentation(ctx, proofRequest, requestedCredentials,
		schemas, credDefs, map[string]interface{}{})
	if err != nil {
		return format.Descriptor{}, nil, fmt.Errorf("create presentation: %w", err)
	}

	return attach(ProofFormat, proof)
}

// ReceivePresentation validates the presented proof against the stored
// request: every revealed attribute, attribute group and predicate must
// answer a requested referent and satisfy its restrictions. A mismatch is a
// protocol violation.
func (h *Handler) ReceivePresentation(ctx context.Context, rec *presentproof.ExchangeRecord,
	attachment *decorator.Attachment) error {
	if attachment == nil {
		return format.ErrCapability
	}

	proof, err := attachment.Fetch()
	if err != nil {
		return err
	}

	proofRequest, err := storedProofRequest(rec)
	if err != nil {
		return err
	}

	if proofRequest == nil {
		return errors.New("no stored proof request to validate against")
	}

	return checkProofVsRequest(proof, proofRequest)
}

// VerifyPresentation verifies the stored proof cryptographically, resolving
// the ledger artifacts its identifiers reference.
func (h *Handler) VerifyPresentation(ctx context.Context, rec *presentproof.ExchangeRecord) (bool, error) {
	proof, err := storedProof(rec)
	if err != nil {
		return false, err
	}

	if proof == nil {
		return false, format.ErrCapability
	}

	proofRequest, err := storedProofRequest(rec)
	if err != nil {
		return false, err
	}

	schemas, credDefs, revRegDefs, revRegEntries, err := h.fetchVerificationArtifacts(ctx, proof)
	if err != nil {
		return false, err
	}

	verified, err := h.verifier.VerifyPresentation(ctx, proofRequest, proof,
		schemas, credDefs, revRegDefs, revRegEntries)
	if err != nil {
		return false, fmt.Errorf("verify presentation: %w", err)
	}

	return verified, nil
}

// fetchCredentialArtifacts resolves the schemas and credential definitions
// referenced by the selected credentials.
func (h *Handler) fetchCredentialArtifacts(ctx context.Context,
	requestedCredentials map[string]interface{}) (map[string]interface{}, map[string]interface{}, error) {
	schemaIDs := map[string]bool{}
	credDefIDs := map[string]bool{}

	for _, section := range []string{"requested_attributes", "requested_predicates"} {
		for _, entry := range asMap(requestedCredentials[section]) {
			info := asMap(asMap(entry)["cred_info"])

			if id := str(info, "schema_id"); id != "" {
				schemaIDs[id] = true
			}

			if id := str(info, "cred_def_id"); id != "" {
				credDefIDs[id] = true
			}
		}
	}

	session, err := h.ledger.OpenSession(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger session: %w", err)
	}

	defer closeSession(session)

	schemas := map[string]interface{}{}
	credDefs := map[string]interface{}{}

	for id := range schemaIDs {
		schema, err := session.GetSchema(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("get schema %s: %w", id, err)
		}

		schemas[id] = schema
	}

	for id := range credDefIDs {
		credDef, err := session.GetCredentialDefinition(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("get credential definition %s: %w", id, err)
		}

		credDefs[id] = credDef
	}

	return schemas, credDefs, nil
}

// fetchVerificationArtifacts resolves every ledger object named by the
// proof's identifiers, including revocation registry deltas at the proof's
// timestamps.
func (h *Handler) fetchVerificationArtifacts(ctx context.Context, proof map[string]interface{}) (
	map[string]interface{}, map[string]interface{}, map[string]interface{}, map[string]interface{}, error) {
	session, err := h.ledger.OpenSession(ctx)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open ledger session: %w", err)
	}

	defer closeSession(session)

	schemas := map[string]interface{}{}
	credDefs := map[string]interface{}{}
	revRegDefs := map[string]interface{}{}
	revRegEntries := map[string]interface{}{}

	for _, raw := range asList(proof["identifiers"]) {
		identifier := asMap(raw)

		schemaID := str(identifier, "schema_id")
		if _, ok := schemas[schemaID]; !ok && schemaID != "" {
			schema, err := session.GetSchema(ctx, schemaID)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("get schema %s: %w", schemaID, err)
			}

			schemas[schemaID] = schema
		}

		credDefID := str(identifier, "cred_def_id")
		if _, ok := credDefs[credDefID]; !ok && credDefID != "" {
			credDef, err := session.GetCredentialDefinition(ctx, credDefID)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("get credential definition %s: %w", credDefID, err)
			}

			credDefs[credDefID] = credDef
		}

		revRegID := str(identifier, "rev_reg_id")
		if revRegID == "" {
			continue
		}

		if _, ok := revRegDefs[revRegID]; !ok {
			def, err := session.GetRevocationRegistryDefinition(ctx, revRegID)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("get revocation registry %s: %w", revRegID, err)
			}

			revRegDefs[revRegID] = def
		}

		timestamp := int64(num(identifier, "timestamp"))

		delta, deltaTS, err := session.GetRevocationRegistryDelta(ctx, revRegID, 0, timestamp)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("get revocation delta %s: %w", revRegID, err)
		}

		entries := asMap(revRegEntries[revRegID])
		if entries == nil {
			entries = map[string]interface{}{}
		}

		entries[strconv.FormatInt(deltaTS, 10)] = delta
		revRegEntries[revRegID] = entries
	}

	return schemas, credDefs, revRegDefs, revRegEntries, nil
}

// checkProofVsRequest guards against bait-and-switch: values the prover
// revealed must answer the referents the request named, with credentials
// satisfying the request's restrictions and predicates proven at the
// requested bounds.
func checkProofVsRequest(proof, proofRequest map[string]interface{}) error {
	requestedAttrs := asMap(proofRequest["requested_attributes"])
	requestedPreds := asMap(proofRequest["requested_predicates"])
	requestedProof := asMap(proof["requested_proof"])
	identifiers := asList(proof["identifiers"])

	for reft, rawSpec := range asMap(requestedProof["revealed_attrs"]) {
		attrSpec := asMap(rawSpec)

		reqSpec := asMap(requestedAttrs[reft])
		if reqSpec == nil {
			return fmt.Errorf("%w: revealed referent %s was not requested", ErrProofMismatch, reft)
		}

		criteria := identifierCriteria(identifiers, int(num(attrSpec, "sub_proof_index")))
		criteria[fmt.Sprintf("attr::%s::value", str(reqSpec, "name"))] = str(attrSpec, "raw")

		if err := checkRestrictions(reft, reqSpec, criteria); err != nil {
			return err
		}
	}

	for reft, rawSpec := range asMap(requestedProof["revealed_attr_groups"]) {
		groupSpec := asMap(rawSpec)

		reqSpec := asMap(requestedAttrs[reft])
		if reqSpec == nil {
			return fmt.Errorf("%w: revealed group referent %s was not requested", ErrProofMismatch, reft)
		}

		criteria := identifierCriteria(identifiers, int(num(groupSpec, "sub_proof_index")))

		for name, rawValue := range asMap(groupSpec["values"]) {
			criteria[fmt.Sprintf("attr::%s::value", name)] = str(asMap(rawValue), "raw")
		}

		for _, name := range asStrings(reqSpec["names"]) {
			if _, ok := criteria[fmt.Sprintf("attr::%s::value", name)]; !ok {
				return fmt.Errorf("%w: requested attribute %q missing from group %s",
					ErrProofMismatch, name, reft)
			}
		}

		if err := checkRestrictions(reft, reqSpec, criteria); err != nil {
			return err
		}
	}

	for reft, rawSpec := range asMap(requestedProof["predicates"]) {
		predSpec := asMap(rawSpec)

		reqSpec := asMap(requestedPreds[reft])
		if reqSpec == nil {
			return fmt.Errorf("%w: proved predicate referent %s was not requested", ErrProofMismatch, reft)
		}

		subProofIndex := int(num(predSpec, "sub_proof_index"))

		if err := checkPredicateBound(proof, subProofIndex, reqSpec); err != nil {
			return err
		}

		criteria := identifierCriteria(identifiers, subProofIndex)

		if err := checkRestrictions(reft, reqSpec, criteria); err != nil {
			return err
		}
	}

	// Every requested referent must be answered somewhere in the proof.
	for reft := range requestedAttrs {
		if asMap(requestedProof["revealed_attrs"])[reft] == nil &&
			asMap(requestedProof["revealed_attr_groups"])[reft] == nil &&
			asMap(requestedProof["self_attested_attrs"])[reft] == nil &&
			asMap(requestedProof["unrevealed_attrs"])[reft] == nil {
			return fmt.Errorf("%w: requested referent %s unanswered", ErrProofMismatch, reft)
		}
	}

	for reft := range requestedPreds {
		if asMap(requestedProof["predicates"])[reft] == nil {
			return fmt.Errorf("%w: requested predicate %s unanswered", ErrProofMismatch, reft)
		}
	}

	return nil
}

// checkPredicateBound confirms the geq proof actually proves the requested
// threshold for the requested attribute.
func checkPredicateBound(proof map[string]interface{}, subProofIndex int,
	reqSpec map[string]interface{}) error {
	reqName := str(reqSpec, "name")
	reqType := str(reqSpec, "p_type")
	reqValue := int(num(reqSpec, "p_value"))

	subProofs := asList(asMap(proof["proof"])["proofs"])
	if subProofIndex < 0 || subProofIndex >= len(subProofs) {
		return fmt.Errorf("%w: predicate sub-proof index %d out of range", ErrProofMismatch, subProofIndex)
	}

	geProofs := asList(asMap(asMap(subProofs[subProofIndex])["primary_proof"])["ge_proofs"])

	for _, rawGE := range geProofs {
		pred := asMap(asMap(rawGE)["predicate"])

		if str(pred, "attr_name") != canon(reqName) {
			continue
		}

		if str(pred, "p_type") != reqType || int(num(pred, "value")) != reqValue {
			return fmt.Errorf("%w: predicate on %q proves %s %d, requested %s %d",
				ErrProofMismatch, reqName, str(pred, "p_type"), int(num(pred, "value")), reqType, reqValue)
		}

		return nil
	}

	return fmt.Errorf("%w: requested predicate on %q not proven", ErrProofMismatch, reqName)
}

// checkRestrictions requires at least one restriction to be a subset of the
// credential's criteria. A request with no restrictions constrains nothing.
func checkRestrictions(reft string, reqSpec map[string]interface{},
	criteria map[string]string) error {
	restrictions := asList(reqSpec["restrictions"])
	if len(restrictions) == 0 {
		return nil
	}

	for _, rawRestriction := range restrictions {
		restriction := asMap(rawRestriction)

		satisfied := true

		for key, rawValue := range restriction {
			if value, ok := rawValue.(string); !ok || criteria[key] != value {
				satisfied = false
				break
			}
		}

		if satisfied {
			return nil
		}
	}

	return fmt.Errorf("%w: referent %s does not satisfy request restrictions", ErrProofMismatch, reft)
}

// identifierCriteria derives the restriction-matching criteria from the
// identifier backing one sub-proof.
func identifierCriteria(identifiers []interface{}, subProofIndex int) map[string]string {
	criteria := map[string]string{}

	if subProofIndex < 0 || subProofIndex >= len(identifiers) {
		return criteria
	}

	identifier := asMap(identifiers[subProofIndex])

	schemaID := str(identifier, "schema_id")
	credDefID := str(identifier, "cred_def_id")

	criteria["schema_id"] = schemaID
	criteria["cred_def_id"] = credDefID

	if parts := strings.Split(schemaID, ":"); len(parts) >= 4 {
		criteria["schema_issuer_did"] = parts[len(parts)-4]
		criteria["schema_name"] = parts[len(parts)-2]
		criteria["schema_version"] = parts[len(parts)-1]
	}

	if parts := strings.Split(credDefID, ":"); len(parts) >= 5 {
		criteria["issuer_did"] = parts[len(parts)-5]
	}

	return criteria
}

// canon normalizes an attribute name the way indy proofs do: lowercase, no
// spaces.
func canon(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", ""))
}

// storedProofRequest decodes the proof request out of the exchange record's
// stored request message. Returns nil when the record carries no hlindy
// request.
func storedProofRequest(rec *presentproof.ExchangeRecord) (map[string]interface{}, error) {
	if rec.PresRequest == nil {
		return nil, nil
	}

	request := &presentproof.RequestPresentation{}
	if err := rec.PresRequest.Decode(request); err != nil {
		return nil, err
	}

	attachment, err := format.FindAttachment(ProofRequestFormat, request.Formats, request.RequestsAttach)
	if err != nil || attachment == nil {
		return nil, err
	}

	return attachment.Fetch()
}

// storedProof decodes the proof out of the exchange record's stored
// presentation message.
func storedProof(rec *presentproof.ExchangeRecord) (map[string]interface{}, error) {
	if rec.Presentation == nil {
		return nil, nil
	}

	presentation := &presentproof.Presentation{}
	if err := rec.Presentation.Decode(presentation); err != nil {
		return nil, err
	}

	attachment, err := format.FindAttachment(ProofFormat, presentation.Formats, presentation.PresentationsAttach)
	if err != nil || attachment == nil {
		return nil, err
	}

	return attachment.Fetch()
}

// newNonce returns a decimal nonce suitable for indy proof requests.
func newNonce() (string, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 80)

	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	return n.String(), nil
}

func asMap(v interface{}) map[string]interface{} {
	m, _ := v.(map[string]interface{})
	return m
}

func asList(v interface{}) []interface{} {
	l, _ := v.([]interface{})
	return l
}

func asStrings(v interface{}) []string {
	var out []string

	for _, item := range asList(v) {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

func str(doc map[string]interface{}, key string) string {
	if doc == nil {
		return ""
	}

	s, _ := doc[key].(string)

	return s
}

// num reads a numeric field regardless of whether it arrived as a JSON
// float, an int, or a numeric string.
func num(doc map[string]interface{}, key string) float64 {
	switch v := doc[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func attach(formatID string, payload map[string]interface{}) (format.Descriptor, *decorator.Attachment, error) {
	attachment, err := decorator.NewJSONAttachment(uuid.New().String(), payload)
	if err != nil {
		return format.Descriptor{}, nil, err
	}

	return format.Descriptor{AttachID: attachment.ID, Format: formatID}, &attachment, nil
}

func closeSession(session ledger.Session) {
	if err := session.Close(); err != nil {
		logger.Errorf("failed to close ledger session: %v", err)
	}
}
