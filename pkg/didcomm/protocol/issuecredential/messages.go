/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package issuecredential

import (
	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
)

// Protocol identity.
const (
	DocURI       = "https://didcomm.org"
	ProtocolName = "issue-credential"

	MajorVersion        = 2
	CurrentMinorVersion = 0
	MinimumMinorVersion = 0
)

// Message type identifiers.
const (
	ProposeCredentialMsgType = "https://didcomm.org/issue-credential/2.0/propose-credential"
	OfferCredentialMsgType   = "https://didcomm.org/issue-credential/2.0/offer-credential"
	RequestCredentialMsgType = "https://didcomm.org/issue-credential/2.0/request-credential"
	IssueCredentialMsgType   = "https://didcomm.org/issue-credential/2.0/issue-credential"
	AckMsgType               = "https://didcomm.org/issue-credential/2.0/ack"
	ProblemReportMsgType     = "https://didcomm.org/issue-credential/2.0/problem-report"

	CredentialPreviewType = "https://didcomm.org/issue-credential/2.0/credential-preview"
)

// ProposeCredential is a holder's proposal of a credential to be issued.
type ProposeCredential struct {
	Type              string                 `json:"@type,omitempty"`
	ID                string                 `json:"@id,omitempty"`
	Comment           string                 `json:"comment,omitempty"`
	CredentialPreview *CredentialPreview     `json:"credential_preview,omitempty"`
	Formats           []format.Descriptor    `json:"formats,omitempty"`
	FiltersAttach     []decorator.Attachment `json:"filters~attach,omitempty"`
	Thread            *decorator.Thread      `json:"~thread,omitempty"`
}

// OfferCredential is an issuer's offer of a credential.
type OfferCredential struct {
	Type              string                 `json:"@type,omitempty"`
	ID                string                 `json:"@id,omitempty"`
	Comment           string                 `json:"comment,omitempty"`
	ReplacementID     string                 `json:"replacement_id,omitempty"`
	CredentialPreview *CredentialPreview     `json:"credential_preview,omitempty"`
	Formats           []format.Descriptor    `json:"formats,omitempty"`
	OffersAttach      []decorator.Attachment `json:"offers~attach,omitempty"`
	Thread            *decorator.Thread      `json:"~thread,omitempty"`
}

// RequestCredential is a holder's request for the offered credential.
type RequestCredential struct {
	Type           string                 `json:"@type,omitempty"`
	ID             string                 `json:"@id,omitempty"`
	Comment        string                 `json:"comment,omitempty"`
	Formats        []format.Descriptor    `json:"formats,omitempty"`
	RequestsAttach []decorator.Attachment `json:"requests~attach,omitempty"`
	Thread         *decorator.Thread      `json:"~thread,omitempty"`
}

// IssueCredential carries the issued credential itself.
type IssueCredential struct {
	Type              string                 `json:"@type,omitempty"`
	ID                string                 `json:"@id,omitempty"`
	Comment           string                 `json:"comment,omitempty"`
	ReplacementID     string                 `json:"replacement_id,omitempty"`
	Formats           []format.Descriptor    `json:"formats,omitempty"`
	CredentialsAttach []decorator.Attachment `json:"credentials~attach,omitempty"`
	Thread            *decorator.Thread      `json:"~thread,omitempty"`
}

// CredentialPreview enumerates the attribute values an offer or proposal
// concerns.
type CredentialPreview struct {
	Type       string             `json:"@type,omitempty"`
	Attributes []PreviewAttribute `json:"attributes,omitempty"`
}

// PreviewAttribute is one attribute in a credential preview.
type PreviewAttribute struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime-type,omitempty"`
	Value    string `json:"value,omitempty"`
}

// NewCredentialPreview builds a preview over plain string attribute values.
func NewCredentialPreview(values map[string]string) *CredentialPreview {
	preview := &CredentialPreview{Type: CredentialPreviewType}

	for name, value := range values {
		preview.Attributes = append(preview.Attributes, PreviewAttribute{Name: name, Value: value})
	}

	return preview
}

// AttributeValues flattens a preview into a name→value map, the shape the
// wallet consumes when signing a credential.
func (p *CredentialPreview) AttributeValues() map[string]string {
	values := map[string]string{}

	if p == nil {
		return values
	}

	for _, attr := range p.Attributes {
		values[attr.Name] = attr.Value
	}

	return values
}
