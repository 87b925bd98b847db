package sync

// ChangeAction is what happened to a path since the last persisted state.
type ChangeAction string

const (
	ActionCreated ChangeAction = "created"
	ActionUpdated ChangeAction = "updated"
	ActionDeleted ChangeAction = "deleted"
)

// PendingChange is an in-memory, not-yet-resolved difference between a
// root's live filesystem and its stored records. Fingerprint is nil only for
// deletions.
type PendingChange struct {
	Action      ChangeAction
	Fingerprint *Fingerprint
}
