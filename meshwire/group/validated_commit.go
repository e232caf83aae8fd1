package group

import (
	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/mls"
	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

// ErrPolicyViolation classifies a commit rejected by the permissions
// policy; recorded as a rejected commit-log row, never retried.
var ErrPolicyViolation = errors.New("group: policy violation")

// ValidatedCommit is a staged commit after policy validation, ready
// to merge.
type ValidatedCommit struct {
	ActorInboxID         string
	ActorInstallationKey []byte

	Staged *mls.StagedCommit

	Added   []mls.Member
	Removed []mls.Member
	Readds  []mls.Member

	CommitType store.CommitType
}

// classifyCommit derives the commit-log type from the staged change.
func classifyCommit(staged *mls.StagedCommit) store.CommitType {
	if len(staged.Added) > 0 || len(staged.Removed) > 0 {
		return store.CommitMembershipChange
	}
	if staged.IsSelfUpdate {
		return store.CommitKeyRotation
	}
	if staged.HasUpdatedExtension {
		switch staged.UpdatedExtension {
		case ExtMembership:
			return store.CommitMembershipChange
		case ExtPermissions:
			return store.CommitPermissionsChange
		default:
			return store.CommitMetadataChange
		}
	}
	return store.CommitKeyRotation
}

// validateCommit checks a processed commit against the conversation's
// policy and current metadata. The actor's rights come from the
// admin lists as of the prior epoch.
func validateCommit(
	policy *PolicySet,
	meta *MutableMetadata,
	actorInboxID string,
	actorInstallationKey []byte,
	staged *mls.StagedCommit,
) (*ValidatedCommit, error) {
	level := actorLevel(meta, actorInboxID)

	added, removed, readds := ExtractReadds(staged.Added, staged.Removed)
	if len(readds) > 0 && level < PermissionSuperAdmin {
		return nil, errors.Wrap(ErrPolicyViolation, "readds require a super admin")
	}

	if len(added) > 0 && !allows(policy.AddMember, level) {
		return nil, errors.Wrap(ErrPolicyViolation, "adding members")
	}
	if len(removed) > 0 {
		// removing one's own installations is always permitted
		othersRemoved := false
		for _, m := range removed {
			if m.InboxID != actorInboxID {
				othersRemoved = true
				break
			}
		}
		if othersRemoved && !allows(policy.RemoveMember, level) {
			return nil, errors.Wrap(ErrPolicyViolation, "removing members")
		}
	}

	if staged.HasUpdatedExtension {
		switch staged.UpdatedExtension {
		case ExtPermissions:
			if !allows(policy.UpdatePolicy, level) {
				return nil, errors.Wrap(ErrPolicyViolation, "updating permissions")
			}
		case ExtMutableMetadata:
			next, err := DecodeMutableMetadata(staged.UpdatedExtensionData)
			if err != nil {
				return nil, err
			}
			if adminListsChanged(meta, next) && !allows(policy.UpdateAdminList, level) {
				return nil, errors.Wrap(ErrPolicyViolation, "updating admin lists")
			}
			for _, field := range meta.ChangedFields(next) {
				if !allows(policy.FieldPolicy(field), level) {
					return nil, errors.Wrapf(ErrPolicyViolation, "updating %s", field)
				}
			}
		}
	}

	return &ValidatedCommit{
		ActorInboxID:         actorInboxID,
		ActorInstallationKey: actorInstallationKey,
		Staged:               staged,
		Added:                added,
		Removed:              removed,
		Readds:               readds,
		CommitType:           classifyCommit(staged),
	}, nil
}
