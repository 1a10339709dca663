package api

import "time"

// RegisterNodeRequest тело POST /admin/nodes
type RegisterNodeRequest struct {
	NodeID            string   `json:"nodeId"`
	DisplayName       string   `json:"displayName"`
	SyncedCollections []string `json:"syncedCollections,omitempty"`
	PushIntervalSec   int64    `json:"pushIntervalSeconds,omitempty"`
	PullIntervalSec   int64    `json:"pullIntervalSeconds,omitempty"`
	SyncEnabled       *bool    `json:"syncEnabled,omitempty"` // по умолчанию true
}

// RegisterNodeResponse содержит authToken, который показывается только один раз
type RegisterNodeResponse struct {
	NodeID    string `json:"nodeId"`
	AuthToken string `json:"authToken"`
}

// Node представление NodeRegistration для операторов
type Node struct {
	CreatedAt         time.Time  `json:"createdAt"`
	LastPushAt        *time.Time `json:"lastPushAt,omitempty"`
	LastPullAt        *time.Time `json:"lastPullAt,omitempty"`
	LastSeenAt        *time.Time `json:"lastSeenAt,omitempty"`
	NodeID            string     `json:"nodeId"`
	DisplayName       string     `json:"displayName"`
	SyncedCollections []string   `json:"syncedCollections,omitempty"`
	PushIntervalSec   int64      `json:"pushIntervalSeconds"`
	PullIntervalSec   int64      `json:"pullIntervalSeconds"`
	SyncEnabled       bool       `json:"syncEnabled"`
	Online            bool       `json:"online"`
}

// NodeListResponse ответ на GET /admin/nodes
type NodeListResponse struct {
	Nodes []Node `json:"nodes"`
}

// MaxConflictLookup максимальное количество id в одном GET /sync/conflicts
const MaxConflictLookup = 100

// ConflictListResponse ответ на GET /admin/conflicts и GET /sync/conflicts
type ConflictListResponse struct {
	Conflicts []Conflict `json:"conflicts"`
}

// ConflictStatusRequest тело POST /admin/conflicts/{id}/status
type ConflictStatusRequest struct {
	Status     string `json:"status"`
	ResolvedBy string `json:"resolvedBy"`
	Note       string `json:"note,omitempty"`
}

// SyncToggleRequest тело PUT /admin/nodes/{id}/sync
type SyncToggleRequest struct {
	SyncEnabled bool `json:"syncEnabled"`
}
