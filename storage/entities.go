package storage

import (
	"encoding/json"
	"strconv"

	"tasknest/domain"
)

// Entity holds the base table keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const (
	edmInt64   = "Edm.Int64"
	edmBoolean = "Edm.Boolean"
	edmInt32   = "Edm.Int32"
)

// taskEntity is the table representation of a task. Tasks are partitioned by
// owner key (user id or workspace sync id) with the task id as row key.
type taskEntity struct {
	Entity
	Title             string `json:"Title,omitempty"`
	Status            string `json:"Status,omitempty"`
	Order             int    `json:"Order"`
	DeadlineMs        int64  `json:"DeadlineMs,omitempty,string"`
	DeadlineMsType    string `json:"DeadlineMs@odata.type,omitempty"`
	RemindAtMs        int64  `json:"RemindAtMs,omitempty,string"`
	RemindAtMsType    string `json:"RemindAtMs@odata.type,omitempty"`
	CreatedBy         string `json:"CreatedBy,omitempty"`
	AssigneeName      string `json:"AssigneeName,omitempty"`
	BatchID           string `json:"BatchId,omitempty"`
	SyncID            string `json:"SyncId,omitempty"`
	UserID            string `json:"UserId,omitempty"`
	DeadlineNotified  bool   `json:"DeadlineNotified"`
	ReminderSent      bool   `json:"ReminderSent"`
	LastCompletedBy   string `json:"LastCompletedBy,omitempty"`
	CompletedAtMs     int64  `json:"CompletedAtMs,omitempty,string"`
	CompletedAtMsType string `json:"CompletedAtMs@odata.type,omitempty"`
}

// taskUpdateEntity carries a merge-mode partial update for a task row.
type taskUpdateEntity struct {
	Entity
	Title                *string `json:"Title,omitempty"`
	Status               *string `json:"Status,omitempty"`
	Order                *int    `json:"Order,omitempty"`
	OrderType            *string `json:"Order@odata.type,omitempty"`
	DeadlineMs           *int64  `json:"DeadlineMs,omitempty,string"`
	DeadlineMsType       *string `json:"DeadlineMs@odata.type,omitempty"`
	RemindAtMs           *int64  `json:"RemindAtMs,omitempty,string"`
	RemindAtMsType       *string `json:"RemindAtMs@odata.type,omitempty"`
	AssigneeName         *string `json:"AssigneeName,omitempty"`
	BatchID              *string `json:"BatchId,omitempty"`
	DeadlineNotified     *bool   `json:"DeadlineNotified,omitempty"`
	DeadlineNotifiedType *string `json:"DeadlineNotified@odata.type,omitempty"`
	ReminderSent         *bool   `json:"ReminderSent,omitempty"`
	ReminderSentType     *string `json:"ReminderSent@odata.type,omitempty"`
	LastCompletedBy      *string `json:"LastCompletedBy,omitempty"`
	CompletedAtMs        *int64  `json:"CompletedAtMs,omitempty,string"`
	CompletedAtMsType    *string `json:"CompletedAtMs@odata.type,omitempty"`
}

// tokenEntity stores one push destination. Single partition, token as row key.
type tokenEntity struct {
	Entity
	OwnerNickname   string `json:"OwnerNickname,omitempty"`
	UpdatedAtMs     int64  `json:"UpdatedAtMs,omitempty,string"`
	UpdatedAtMsType string `json:"UpdatedAtMs@odata.type,omitempty"`
}

const tokenPartition = "device"

func encodeTask(t domain.Task) taskEntity {
	ent := taskEntity{
		Entity:           Entity{PartitionKey: t.OwnerKey(), RowKey: t.ID},
		Title:            t.Title,
		Status:           string(t.Status),
		Order:            t.Order,
		CreatedBy:        t.CreatedBy,
		AssigneeName:     t.AssigneeName,
		BatchID:          t.BatchID,
		SyncID:           t.SyncID,
		UserID:           t.UserID,
		DeadlineNotified: t.DeadlineNotified,
		ReminderSent:     t.ReminderSent,
		LastCompletedBy:  t.LastCompletedBy,
	}
	if t.DeadlineMs != 0 {
		ent.DeadlineMs = t.DeadlineMs
		ent.DeadlineMsType = edmInt64
	}
	if t.RemindAtMs != 0 {
		ent.RemindAtMs = t.RemindAtMs
		ent.RemindAtMsType = edmInt64
	}
	if t.CompletedAtMs != 0 {
		ent.CompletedAtMs = t.CompletedAtMs
		ent.CompletedAtMsType = edmInt64
	}
	return ent
}

// decodeTaskEntity tolerates missing and malformed properties: absent order
// becomes 0, unparsable timestamps become unset instead of failing the row.
func decodeTaskEntity(data []byte) (domain.Task, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.Task{}, err
	}
	t := domain.Task{
		ID:               asString(raw["RowKey"]),
		Title:            asString(raw["Title"]),
		Status:           domain.Status(asString(raw["Status"])),
		Order:            int(asInt64(raw["Order"])),
		DeadlineMs:       asInt64(raw["DeadlineMs"]),
		RemindAtMs:       asInt64(raw["RemindAtMs"]),
		CreatedBy:        asString(raw["CreatedBy"]),
		AssigneeName:     asString(raw["AssigneeName"]),
		BatchID:          asString(raw["BatchId"]),
		SyncID:           asString(raw["SyncId"]),
		UserID:           asString(raw["UserId"]),
		DeadlineNotified: asBool(raw["DeadlineNotified"]),
		ReminderSent:     asBool(raw["ReminderSent"]),
		LastCompletedBy:  asString(raw["LastCompletedBy"]),
		CompletedAtMs:    asInt64(raw["CompletedAtMs"]),
	}
	if !t.Status.Valid() {
		t.Status = domain.StatusTodo
	}
	return t, nil
}

func decodeTokenEntity(data []byte) (domain.DeviceToken, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.DeviceToken{}, err
	}
	return domain.DeviceToken{
		Token:         asString(raw["RowKey"]),
		OwnerNickname: asString(raw["OwnerNickname"]),
		UpdatedAtMs:   asInt64(raw["UpdatedAtMs"]),
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
