package domain

// ChangeType is the kind of change carried by a realtime event.
type ChangeType string

const (
	// ChangeInsert reports a new edge.
	ChangeInsert ChangeType = "INSERT"
	// ChangeDelete reports a removed edge.
	ChangeDelete ChangeType = "DELETE"
	// ChangeUpdate reports a modified edge. Reconcilers treat it as a reason to re-read.
	ChangeUpdate ChangeType = "UPDATE"
	// ChangeUnknown reports anything else.
	ChangeUnknown ChangeType = "UNKNOWN"
)

// ParseChangeType maps wire names onto ChangeType. Unrecognized names map to ChangeUnknown.
func ParseChangeType(s string) ChangeType {
	switch ChangeType(s) {
	case ChangeInsert, ChangeDelete, ChangeUpdate:
		return ChangeType(s)
	default:
		return ChangeUnknown
	}
}

// ChangeEvent is one push notification from the store.
type ChangeEvent struct {
	Type ChangeType
	Edge EngagementEdge
	// Seq is the commit sequence of the change. Zero means the store does not report one.
	Seq uint64
}
