package domain

import "github.com/bytedance/sonic"

// ChangeType classifies an incremental mutation observed by a live query.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeRecord is one incremental mutation carried by a live query stream.
type ChangeRecord struct {
	Type ChangeType `json:"type"`
	Task Task       `json:"task"`
}

// Encode serializes the record for the pub/sub wire.
func (r ChangeRecord) Encode() ([]byte, error) { return sonic.Marshal(r) }

// DecodeChangeRecord parses a change record from its wire form.
func DecodeChangeRecord(data []byte) (ChangeRecord, error) {
	var rec ChangeRecord
	err := sonic.Unmarshal(data, &rec)
	return rec, err
}

// Event is the queue envelope produced by the store for every mutation. The
// pump fans it out to the pub/sub channels listed in Scopes.
type Event struct {
	ID     string       `json:"id"`
	Change ChangeRecord `json:"change"`
	Scopes []string     `json:"scopes"`
	Time   int64        `json:"time"`
}

// Encode serializes the event for the queue / pub/sub wire.
func (e Event) Encode() ([]byte, error) { return sonic.Marshal(e) }

// DecodeEvent parses an event from its wire form.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := sonic.Unmarshal(data, &ev)
	return ev, err
}

// Pub/sub channel names, one per live-query predicate.
func OwnerChannel(key string) string         { return "tasks.owner." + key }
func AssigneeChannel(nickname string) string { return "tasks.assignee." + nickname }
func BatchChannel(batchID string) string     { return "tasks.batch." + batchID }
func TaskChannel(id string) string           { return "tasks.task." + id }

// ScopesFor lists every channel a change to t must be published to: the
// ownership scope, the task's own channel, and the assignment and batch
// channels when those predicates match.
func ScopesFor(t Task) []string {
	scopes := []string{OwnerChannel(t.OwnerKey()), TaskChannel(t.ID)}
	if t.AssigneeName != "" {
		scopes = append(scopes, AssigneeChannel(t.AssigneeName))
	}
	if t.BatchID != "" {
		scopes = append(scopes, BatchChannel(t.BatchID))
	}
	return scopes
}

// LeftScopes returns the channels the task stopped matching after an update:
// predicates satisfied by the previous image but not by the new one. Streams
// on those channels must observe a removal even though the task still exists.
func LeftScopes(prev, next Task) []string {
	prevScopes := ScopesFor(prev)
	nextScopes := make(map[string]struct{}, 4)
	for _, s := range ScopesFor(next) {
		nextScopes[s] = struct{}{}
	}
	var left []string
	for _, s := range prevScopes {
		if _, ok := nextScopes[s]; !ok {
			left = append(left, s)
		}
	}
	return left
}

// DeviceToken is a push destination registered by a device after it obtains
// notification permission.
type DeviceToken struct {
	Token         string `json:"token"`
	OwnerNickname string `json:"ownerNickname,omitempty"`
	UpdatedAtMs   int64  `json:"updatedAtMs"`
}
