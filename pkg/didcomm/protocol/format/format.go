/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package format holds the attachment-format plumbing shared by the
// issue-credential and present-proof protocols: the format descriptor that
// pairs an attachment with its encoding, and helpers for matching the two.
package format

import (
	"errors"
	"fmt"

	"github.com/verifiableworks/agent-core/pkg/didcomm/decorator"
)

// ErrCapability is returned by a format handler for a capability it does not
// implement. Managers treat it as "this format contributes nothing to this
// step", not as a failure.
var ErrCapability = errors.New("capability not implemented for this format")

// Descriptor pairs an attachment id with the format identifier describing
// how to interpret the attachment's content.
type Descriptor struct {
	AttachID string `json:"attach_id,omitempty"`
	Format   string `json:"format,omitempty"`
}

// FindAttachment returns the attachment referenced by the descriptor with
// the given format identifier, or nil when the message carries no such
// format.
func FindAttachment(formatID string, descriptors []Descriptor,
	attachments []decorator.Attachment) (*decorator.Attachment, error) {
	var attachID string

	for _, desc := range descriptors {
		if desc.Format == formatID {
			attachID = desc.AttachID
			break
		}
	}

	if attachID == "" {
		return nil, nil
	}

	for i := range attachments {
		if attachments[i].ID == attachID {
			return &attachments[i], nil
		}
	}

	return nil, fmt.Errorf("format %s references missing attachment %s", formatID, attachID)
}
