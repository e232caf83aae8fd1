// Package group implements the per-conversation state machine: it
// stages commits for local intents, validates and applies incoming
// commits under the permissions policy, processes welcomes, and
// records every transition in the local commit log.
package group

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

// Extension ids carried on the MLS group.
const (
	ExtMembership      = mls.ExtensionGroupMembership
	ExtMutableMetadata = 0xff01
	ExtPermissions     = 0xff02
)

// ProtectedMetadata is immutable for the conversation's lifetime.
type ProtectedMetadata struct {
	CreatorInboxID   string
	ConversationType store.ConversationType
	// DmPeers holds both inbox ids of a DM, sorted.
	DmPeers []string
}

// DmID computes the stable peer-pair id of a DM.
func DmID(inboxA, inboxB string) string {
	peers := []string{inboxA, inboxB}
	sort.Strings(peers)
	return "dm:" + peers[0] + ":" + peers[1]
}

// MutableMetadata is replaced wholesale by metadata commits. Admin
// lists ride along with it, as the fields are governed by the same
// extension.
type MutableMetadata struct {
	Name            string
	Description     string
	DisappearFromNs int64
	DisappearInNs   int64

	Admins      []string
	SuperAdmins []string
}

// Metadata field names addressable by field policies.
const (
	FieldName            = "group_name"
	FieldDescription     = "description"
	FieldDisappearing    = "disappearing_messages"
	FieldMessageExpireNs = "message_disappear_in_ns"
)

func (m *MutableMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMutableMetadata(raw []byte) (*MutableMetadata, error) {
	m := &MutableMetadata{}
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrap(err, "undecodable mutable metadata")
	}
	return m, nil
}

func (m *MutableMetadata) IsAdmin(inboxID string) bool {
	for _, id := range m.Admins {
		if id == inboxID {
			return true
		}
	}
	return m.IsSuperAdmin(inboxID)
}

func (m *MutableMetadata) IsSuperAdmin(inboxID string) bool {
	for _, id := range m.SuperAdmins {
		if id == inboxID {
			return true
		}
	}
	return false
}

// ChangedFields lists which policy-relevant fields differ.
func (m *MutableMetadata) ChangedFields(other *MutableMetadata) []string {
	var fields []string
	if m.Name != other.Name {
		fields = append(fields, FieldName)
	}
	if m.Description != other.Description {
		fields = append(fields, FieldDescription)
	}
	if m.DisappearFromNs != other.DisappearFromNs || m.DisappearInNs != other.DisappearInNs {
		fields = append(fields, FieldDisappearing)
	}
	return fields
}

func adminListsChanged(a, b *MutableMetadata) bool {
	return !stringSlicesEqual(a.Admins, b.Admins) || !stringSlicesEqual(a.SuperAdmins, b.SuperAdmins)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
