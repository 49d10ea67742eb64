/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package service

// Envelope is an inbound message envelope as produced by the transport layer:
// the raw payload plus receipt metadata. It is owned by the dispatcher for the
// duration of a single dispatch call.
type Envelope struct {
	Payload []byte
	Receipt *Receipt
}

// Receipt carries the delivery metadata of an inbound envelope.
type Receipt struct {
	// SenderKey is the unpacked sender verification key, raw bytes.
	SenderKey []byte
	// RecipientKey is the verification key the envelope was addressed to.
	RecipientKey []byte
	// ThreadID is the transport-visible thread id, when the delivery layer
	// was able to extract one.
	ThreadID string
	// SessionID identifies the inbound delivery session for direct replies.
	SessionID string
}
