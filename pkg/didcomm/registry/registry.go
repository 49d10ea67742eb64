/*
Copyright SecureKey Technologies Inc. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package registry maps message type identifiers to registered message
// classes, negotiating protocol minor versions for versioned protocols.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrMinorVersionNotSupported is returned when an inbound message's minor
// version is below the protocol's registered minimum.
var ErrMinorVersionNotSupported = errors.New("protocol minor version not supported")

// ErrUnknownMessageType is returned when no message class is registered for
// a message type, even after version negotiation.
var ErrUnknownMessageType = errors.New("unrecognized message type")

// MessageClass constructs an empty instance of a concrete message type, ready
// to be populated from a generic document.
type MessageClass func() interface{}

// Definition describes one registered version of a protocol family.
type Definition struct {
	// DocURI is the protocol's document URI, e.g. "https://didcomm.org".
	DocURI string
	// Protocol is the protocol family name, e.g. "issue-credential".
	Protocol string
	// MajorVersion and CurrentMinorVersion identify the registered version.
	MajorVersion        int
	CurrentMinorVersion int
	// MinimumMinorVersion is the lowest minor version accepted on inbound
	// messages. Anything below it is a hard rejection.
	MinimumMinorVersion int
}

type registration struct {
	definition Definition
	// classes is keyed by message name within the protocol version.
	classes map[string]MessageClass
}

type versionKey struct {
	protocol string
	major    int
}

// Registry resolves message type identifiers to message classes. It is
// populated once at startup and safe for concurrent reads afterwards.
type Registry struct {
	mu       sync.RWMutex
	typeMap  map[string]resolved
	versions map[versionKey][]registration
}

type resolved struct {
	class        MessageClass
	resolvedType string
}

// New returns an empty protocol registry.
func New() *Registry {
	return &Registry{
		typeMap:  make(map[string]resolved),
		versions: make(map[versionKey][]registration),
	}
}

// Register adds a protocol version definition and its message classes, keyed
// by message name. Registering the same version twice extends the earlier
// registration's message set.
func (r *Registry) Register(def Definition, classes map[string]MessageClass) error {
	if def.Protocol == "" || def.DocURI == "" {
		return errors.New("protocol and doc URI are required")
	}

	if def.MinimumMinorVersion > def.CurrentMinorVersion {
		return fmt.Errorf("minimum minor version %d exceeds current %d for %s",
			def.MinimumMinorVersion, def.CurrentMinorVersion, def.Protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := versionKey{protocol: def.Protocol, major: def.MajorVersion}

	for name, class := range classes {
		canonical := MessageType{
			DocURI:   def.DocURI,
			Protocol: def.Protocol,
			Major:    def.MajorVersion,
			Minor:    def.CurrentMinorVersion,
			Name:     name,
		}.String()

		r.typeMap[canonical] = resolved{class: class, resolvedType: canonical}
	}

	for i, reg := range r.versions[key] {
		if reg.definition.CurrentMinorVersion == def.CurrentMinorVersion {
			for name, class := range classes {
				r.versions[key][i].classes[name] = class
			}

			return nil
		}
	}

	copied := make(map[string]MessageClass, len(classes))
	for name, class := range classes {
		copied[name] = class
	}

	regs := append(r.versions[key], registration{definition: def, classes: copied})
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].definition.CurrentMinorVersion < regs[j].definition.CurrentMinorVersion
	})
	r.versions[key] = regs

	return nil
}

// Resolve maps an inbound message type identifier to a registered message
// class and the canonical type identifier it was resolved to.
//
// Resolution is deterministic: an exact registered type matches directly;
// otherwise the greatest registered minor version not exceeding the inbound
// minor is selected. An inbound minor above every registered version degrades
// to the greatest registered version (a deliberate forward-compatibility
// choice); an inbound minor below the registered minimum is rejected with
// ErrMinorVersionNotSupported.
func (r *Registry) Resolve(messageType string) (MessageClass, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hit, ok := r.typeMap[messageType]; ok {
		return hit.class, hit.resolvedType, nil
	}

	parsed, err := ParseMessageType(messageType)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownMessageType, err.Error())
	}

	regs := r.versions[versionKey{protocol: parsed.Protocol, major: parsed.Major}]
	if len(regs) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}

	// regs is sorted ascending by minor version; the last entry is the
	// greatest registered minor, used for the forward-compatible degrade.
	// A version whose minimum exceeds the inbound minor only rejects the
	// message when no other registered version qualifies.
	var (
		chosen    *registration
		rejection error
	)

	for i := range regs {
		reg := &regs[i]

		if _, ok := reg.classes[parsed.Name]; !ok {
			continue
		}

		if parsed.Minor < reg.definition.MinimumMinorVersion {
			if rejection == nil {
				rejection = fmt.Errorf("%w: minimum supported minor version is %d, received %d",
					ErrMinorVersionNotSupported, reg.definition.MinimumMinorVersion, parsed.Minor)
			}

			continue
		}

		if reg.definition.CurrentMinorVersion <= parsed.Minor || chosen == nil {
			chosen = reg
		}
	}

	if chosen == nil {
		if rejection != nil {
			return nil, "", rejection
		}

		return nil, "", fmt.Errorf("%w: %s", ErrUnknownMessageType, messageType)
	}

	canonical := MessageType{
		DocURI:   chosen.definition.DocURI,
		Protocol: parsed.Protocol,
		Major:    parsed.Major,
		Minor:    chosen.definition.CurrentMinorVersion,
		Name:     parsed.Name,
	}.String()

	return chosen.classes[parsed.Name], canonical, nil
}

// Protocols returns the distinct protocol family identifiers registered, in
// the form "{doc-uri}/{protocol-name}/{major}.{minor}".
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]struct{}{}

	for messageType := range r.typeMap {
		if pos := strings.LastIndex(messageType, "/"); pos > 0 {
			seen[messageType[:pos]] = struct{}{}
		}
	}

	families := make([]string, 0, len(seen))
	for family := range seen {
		families = append(families, family)
	}

	sort.Strings(families)

	return families
}
