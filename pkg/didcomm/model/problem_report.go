/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package model

import "github.com/verifiableworks/agent-core/pkg/didcomm/decorator"

// CodeMessageParseFailure is the problem-report code used when an inbound
// message cannot be parsed or resolved to a registered type.
const CodeMessageParseFailure = "message-parse-failure"

// ProblemReportMsgType identifies the generic notification problem report,
// used when a failure is not tied to any one protocol exchange.
const ProblemReportMsgType = "https://didcomm.org/notification/1.0/problem-report"

// ProblemReportMsgName is the message-name suffix shared by every protocol's
// problem report.
const ProblemReportMsgName = "problem-report"

// ProblemReport is the generic error-signaling message sent to a peer when an
// exchange cannot proceed.
type ProblemReport struct {
	Type        string            `json:"@type,omitempty"`
	ID          string            `json:"@id,omitempty"`
	Description Code              `json:"description,omitempty"`
	Thread      *decorator.Thread `json:"~thread,omitempty"`
}

// Code is a problem report description: a machine-readable code plus a
// human-readable comment.
type Code struct {
	Code    string `json:"code,omitempty"`
	Comment string `json:"en,omitempty"`
}

// Ack is a protocol-level acknowledgement message.
type Ack struct {
	Type   string            `json:"@type,omitempty"`
	ID     string            `json:"@id,omitempty"`
	Status string            `json:"status,omitempty"`
	Thread *decorator.Thread `json:"~thread,omitempty"`
}

// AckStatusOK is the status value of a positive acknowledgement.
const AckStatusOK = "OK"
