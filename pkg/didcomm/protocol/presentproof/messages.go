/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package presentproof

import (
	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
	"github.com/verifiableworks/agent-core/pkg/didcomm/protocol/format"
)

// Protocol identity.
const (
	DocURI       = "https://didcomm.org"
	ProtocolName = "present-proof"

	MajorVersion        = 2
	CurrentMinorVersion = 0
	MinimumMinorVersion = 0
)

// Message type identifiers.
const (
	ProposePresentationMsgType = "https://didcomm.org/present-proof/2.0/propose-presentation"
	RequestPresentationMsgType = "https://didcomm.org/present-proof/2.0/request-presentation"
	PresentationMsgType        = "https://didcomm.org/present-proof/2.0/presentation"
	AckMsgType                 = "https://didcomm.org/present-proof/2.0/ack"
	ProblemReportMsgType       = "https://didcomm.org/present-proof/2.0/problem-report"
)

// ProposePresentation is a prover's proposal of what it could present.
type ProposePresentation struct {
	Type            string                 `json:"@type,omitempty"`
	ID              string                 `json:"@id,omitempty"`
	Comment         string                 `json:"comment,omitempty"`
	Formats         []format.Descriptor    `json:"formats,omitempty"`
	ProposalsAttach []decorator.Attachment `json:"proposals~attach,omitempty"`
	Thread          *decorator.Thread      `json:"~thread,omitempty"`
}

// RequestPresentation is a verifier's presentation request.
type RequestPresentation struct {
	Type           string                 `json:"@type,omitempty"`
	ID             string                 `json:"@id,omitempty"`
	Comment        string                 `json:"comment,omitempty"`
	WillConfirm    bool                   `json:"will_confirm,omitempty"`
	Formats        []format.Descriptor    `json:"formats,omitempty"`
	RequestsAttach []decorator.Attachment `json:"request_presentations~attach,omitempty"`
	Thread         *decorator.Thread      `json:"~thread,omitempty"`
}

// Presentation carries the proof itself.
type Presentation struct {
	Type                string                 `json:"@type,omitempty"`
	ID                  string                 `json:"@id,omitempty"`
	Comment             string                 `json:"comment,omitempty"`
	Formats             []format.Descriptor    `json:"formats,omitempty"`
	PresentationsAttach []decorator.Attachment `json:"presentations~attach,omitempty"`
	Thread              *decorator.Thread      `json:"~thread,omitempty"`
}
