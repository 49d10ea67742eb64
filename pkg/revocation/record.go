/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package revocation

import (
	"time"

	"github.com/hyperledger/aries-framework-go/spi/storage"
)

// Registry record states, in lifecycle order. A registry is usable for
// issuance only in StateActive.
const (
	StateInit      = "init"
	StateGenerated = "generated"
	StatePosted    = "posted"
	StateActive    = "active"
	StateFull      = "full"
)

// Registry size bounds enforced on creation.
const (
	MinRegistrySize     = 4
	MaxRegistrySize     = 32768
	DefaultRegistrySize = 1000
)

// DefType is the only registry definition type supported.
const DefType = "CL_ACCUM"

// StoreName is the durable store holding registry records.
const StoreName = "revocation_registry"

// Tag names registry records are indexed under.
const (
	TagCredDefID = "credDefId"
	TagRevRegID  = "revRegId"
	TagState     = "regState"
)

// RegistryRecord tracks one issuer revocation registry through its
// provisioning lifecycle and its fill level during issuance.
type RegistryRecord struct {
	ID             string    `json:"record_id"`
	State          string    `json:"state"`
	CredDefID      string    `json:"cred_def_id"`
	RevocRegID     string    `json:"revoc_reg_id,omitempty"`
	IssuerDID      string    `json:"issuer_did"`
	RevocDefType   string    `json:"revoc_def_type"`
	Tag            string    `json:"tag"`
	MaxCredNum     int       `json:"max_cred_num"`
	TailsHash      string    `json:"tails_hash,omitempty"`
	TailsLocalPath string    `json:"tails_local_path,omitempty"`
	TailsPublicURI string    `json:"tails_public_uri,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	version uint64
}

// RecordID implements record.Record.
func (r *RegistryRecord) RecordID() string { return r.ID }

// RecordState implements record.Record.
func (r *RegistryRecord) RecordState() string { return r.State }

// RecordTags implements record.Record.
func (r *RegistryRecord) RecordTags() []storage.Tag {
	tags := []storage.Tag{
		{Name: TagCredDefID, Value: r.CredDefID},
		{Name: TagState, Value: r.State},
	}

	if r.RevocRegID != "" {
		tags = append(tags, storage.Tag{Name: TagRevRegID, Value: r.RevocRegID})
	}

	return tags
}

// Version implements record.Record.
func (r *RegistryRecord) Version() uint64 { return r.version }

// SetVersion implements record.Record.
func (r *RegistryRecord) SetVersion(version uint64) { r.version = version }
