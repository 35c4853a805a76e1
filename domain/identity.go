package domain

// Identity describes who the local client is acting as. Exactly one of UserID
// or SyncID scopes ownership; Nickname is the display identity used for
// assignment and completion attribution. Components receive an Identity
// explicitly instead of reading ambient state.
type Identity struct {
	UserID   string
	SyncID   string
	Nickname string
}

// OwnerKey returns the authoritative ownership scope for this identity.
func (id Identity) OwnerKey() string {
	if id.UserID != "" {
		return id.UserID
	}
	return id.SyncID
}

// SharedScope selects a read-only shared context: a delegation batch or a
// single task opened through a share link. Mutually exclusive with ownership
// and assignment subscriptions.
type SharedScope struct {
	BatchID string
	TaskID  string
}

// Empty reports whether no shared context is selected.
func (s SharedScope) Empty() bool { return s.BatchID == "" && s.TaskID == "" }
