/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package indy

import (
	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// detailStoreName is the durable store holding per-exchange indy material.
const detailStoreName = "indy_credential_detail"

// DetailRecord is the indy-specific half of one credential exchange: the
// artifacts needed across protocol steps, keyed by the exchange id. Created
// once, then appended to as the exchange progresses.
type DetailRecord struct {
	CredExID  string `json:"cred_ex_id"`
	CredDefID string `json:"cred_def_id,omitempty"`
	SchemaID  string `json:"schema_id,omitempty"`

	Offer           map[string]interface{} `json:"offer,omitempty"`
	Request         map[string]interface{} `json:"request,omitempty"`
	RequestMetadata map[string]interface{} `json:"request_metadata,omitempty"`
	Credential      map[string]interface{} `json:"credential,omitempty"`

	RevRegID     string `json:"rev_reg_id,omitempty"`
	CredRevID    string `json:"cred_rev_id,omitempty"`
	CredIDStored string `json:"cred_id_stored,omitempty"`

	version uint64
}

// RecordID implements record.Record.
func (r *DetailRecord) RecordID() string { return r.CredExID }

// RecordState implements record.Record. Detail records carry no state of
// their own.
func (r *DetailRecord) RecordState() string { return "" }

// RecordTags implements record.Record.
func (r *DetailRecord) RecordTags() []storage.Tag {
	return []storage.Tag{{Name: "credDefId", Value: r.CredDefID}}
}

// Version implements record.Record.
func (r *DetailRecord) Version() uint64 { return r.version }

// SetVersion implements record.Record.
func (r *DetailRecord) SetVersion(version uint64) { r.version = version }
