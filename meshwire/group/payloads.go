package group

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/krew-solutions/meshwire-go/meshwire/store"
)

// Intent payloads. Encoded into store.Intent.Payload and decoded by
// the state machine when staging.

type SendMessagePayload struct {
	ContentType store.ContentType
	Content     []byte
	ReferenceID []byte
	ShouldPush  bool
}

type MembershipUpdatePayload struct {
	AddInboxes    []string
	RemoveInboxes []string
}

type MetadataUpdatePayload struct {
	Field string
	Value string
	// Disappearing settings travel together.
	DisappearFromNs int64
	DisappearInNs   int64
}

type AdminListUpdatePayload struct {
	// Action is one of add / remove / add_super / remove_super.
	Action  string
	InboxID string
}

const (
	AdminActionAdd         = "add"
	AdminActionRemove      = "remove"
	AdminActionAddSuper    = "add_super"
	AdminActionRemoveSuper = "remove_super"
)

type PermissionUpdatePayload struct {
	Policy *PolicySet
}

func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodePayload(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "undecodable intent payload")
	}
	return nil
}
