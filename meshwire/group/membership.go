package group

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/mls"
)

// Membership is the group-membership extension: each member inbox
// mapped to the association sequence id its installations were
// resolved at.
type Membership struct {
	Members map[string]uint64
}

func NewMembership() *Membership {
	return &Membership{Members: map[string]uint64{}}
}

func (m *Membership) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMembership(raw []byte) (*Membership, error) {
	if len(raw) == 0 {
		return NewMembership(), nil
	}
	m := &Membership{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrap(err, "undecodable membership extension")
	}
	if m.Members == nil {
		m.Members = map[string]uint64{}
	}
	return m, nil
}

func (m *Membership) Clone() *Membership {
	out := NewMembership()
	for k, v := range m.Members {
		out.Members[k] = v
	}
	return out
}

// MembershipDiff is the inbox-level delta between two membership
// extensions.
type MembershipDiff struct {
	AddedInboxes   []string
	RemovedInboxes []string
	// UpdatedInboxes moved to a newer association sequence id.
	UpdatedInboxes []string
}

func (m *Membership) Diff(next *Membership) *MembershipDiff {
	diff := &MembershipDiff{}
	for inbox, seq := range next.Members {
		current, ok := m.Members[inbox]
		switch {
		case !ok:
			diff.AddedInboxes = append(diff.AddedInboxes, inbox)
		case current != seq:
			diff.UpdatedInboxes = append(diff.UpdatedInboxes, inbox)
		}
	}
	for inbox := range m.Members {
		if _, ok := next.Members[inbox]; !ok {
			diff.RemovedInboxes = append(diff.RemovedInboxes, inbox)
		}
	}
	return diff
}

// ExtractReadds pulls installations present in both the added and
// removed sets of a commit. A super-admin may re-add an installation
// it removes in the same commit (recovering a previously failed
// add); those installations are reported separately and excluded
// from both sets.
func ExtractReadds(added, removed []mls.Member) (cleanAdded, cleanRemoved, readds []mls.Member) {
	removedByKey := map[string]mls.Member{}
	for _, m := range removed {
		removedByKey[string(m.InstallationKey)] = m
	}

	readdKeys := map[string]bool{}
	for _, m := range added {
		if _, ok := removedByKey[string(m.InstallationKey)]; ok {
			readdKeys[string(m.InstallationKey)] = true
			readds = append(readds, m)
			continue
		}
		cleanAdded = append(cleanAdded, m)
	}
	for _, m := range removed {
		if !readdKeys[string(m.InstallationKey)] {
			cleanRemoved = append(cleanRemoved, m)
		}
	}
	return cleanAdded, cleanRemoved, readds
}
