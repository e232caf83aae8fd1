package group

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// PermissionLevel is who may perform a governed action.
type PermissionLevel int

const (
	PermissionDenied PermissionLevel = iota
	PermissionMember
	PermissionAdmin
	PermissionSuperAdmin
)

// PolicySet is the mutable permissions policy of a conversation.
// Field policies fall back to UpdateMetadata when a field has no
// entry.
type PolicySet struct {
	AddMember       PermissionLevel
	RemoveMember    PermissionLevel
	UpdateMetadata  PermissionLevel
	FieldPolicies   map[string]PermissionLevel
	UpdateAdminList PermissionLevel
	UpdatePolicy    PermissionLevel
}

// DefaultGroupPolicy: members add and edit metadata, admins remove,
// super admins change admin lists and the policy.
func DefaultGroupPolicy() *PolicySet {
	return &PolicySet{
		AddMember:       PermissionMember,
		RemoveMember:    PermissionAdmin,
		UpdateMetadata:  PermissionMember,
		FieldPolicies:   map[string]PermissionLevel{},
		UpdateAdminList: PermissionSuperAdmin,
		UpdatePolicy:    PermissionSuperAdmin,
	}
}

// AdminOnlyPolicy locks membership and metadata changes to admins;
// admin lists and the policy stay super-admin only.
func AdminOnlyPolicy() *PolicySet {
	return &PolicySet{
		AddMember:       PermissionAdmin,
		RemoveMember:    PermissionAdmin,
		UpdateMetadata:  PermissionAdmin,
		FieldPolicies:   map[string]PermissionLevel{},
		UpdateAdminList: PermissionSuperAdmin,
		UpdatePolicy:    PermissionSuperAdmin,
	}
}

// DmPolicy: both peers are equals, nothing is governed beyond
// membership immutability.
func DmPolicy() *PolicySet {
	return &PolicySet{
		AddMember:       PermissionDenied,
		RemoveMember:    PermissionDenied,
		UpdateMetadata:  PermissionMember,
		FieldPolicies:   map[string]PermissionLevel{},
		UpdateAdminList: PermissionDenied,
		UpdatePolicy:    PermissionDenied,
	}
}

func (p *PolicySet) Encode() ([]byte, error) {
	return json.Marshal(p)
}

func DecodePolicySet(raw []byte) (*PolicySet, error) {
	if len(raw) == 0 {
		return DefaultGroupPolicy(), nil
	}
	p := &PolicySet{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errors.Wrap(err, "undecodable policy set")
	}
	if p.FieldPolicies == nil {
		p.FieldPolicies = map[string]PermissionLevel{}
	}
	return p, nil
}

// actorLevel resolves an inbox's level from the admin lists.
func actorLevel(meta *MutableMetadata, inboxID string) PermissionLevel {
	switch {
	case meta.IsSuperAdmin(inboxID):
		return PermissionSuperAdmin
	case meta.IsAdmin(inboxID):
		return PermissionAdmin
	}
	return PermissionMember
}

func allows(required, actual PermissionLevel) bool {
	if required == PermissionDenied {
		return false
	}
	return actual >= required
}

// FieldPolicy returns the policy governing one metadata field.
func (p *PolicySet) FieldPolicy(field string) PermissionLevel {
	if level, ok := p.FieldPolicies[field]; ok {
		return level
	}
	return p.UpdateMetadata
}
