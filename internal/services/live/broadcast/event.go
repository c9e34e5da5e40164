// Package broadcast fans change events out to connected sessions.
package broadcast

// Channel names for selective subscription.
const (
	ChannelDesign  = "design"
	ChannelContent = "content"
)

// Kind identifies what changed. The set is closed; consumers must treat any
// other value as a request to refetch the full snapshot.
type Kind string

const (
	KindTemplateActivated Kind = "template-activated"
	KindContentUpdated    Kind = "content-updated"
	KindDesignUpdated     Kind = "design-updated"
)

// Known reports whether the kind belongs to the closed set.
func (k Kind) Known() bool {
	switch k {
	case KindTemplateActivated, KindContentUpdated, KindDesignUpdated:
		return true
	}
	return false
}

// Event is one change notification. It carries a reference to the changed
// entity, never the entity body, and exists only on the wire.
type Event struct {
	Seq     uint64 `json:"sequence_number"`
	Channel string `json:"channel"`
	Kind    Kind   `json:"kind"`
	RefID   string `json:"ref_id"`
}
