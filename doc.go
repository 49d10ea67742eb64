/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package agentcore is the message-dispatch and protocol-exchange engine of
// a DIDComm agent: inbound envelopes are parsed, routed to versioned protocol
// handlers through the message type registry, and executed on a bounded task
// queue, with each protocol exchange persisted as a versioned record.
//
// Packages of interest:
//
// pkg/didcomm/dispatcher: the inbound pipeline. Parses envelopes, resolves
// the sender's connection, queues handler execution and answers parse
// failures with problem reports.
//
// pkg/didcomm/registry: message type parsing and minor-version negotiation
// across registered protocol definitions.
//
// pkg/didcomm/protocol/issuecredential, pkg/didcomm/protocol/presentproof:
// the issue-credential 2.0 and present-proof 2.0 exchanges, with pluggable
// attachment-format handlers under their indy and ldproof subpackages.
//
// pkg/revocation: issuer revocation registry lifecycle and the active
// registry selection used during revocable issuance.
//
// pkg/store/record: the versioned record store every exchange persists
// through, emitting state events on the pkg/events bus.
package agentcore
