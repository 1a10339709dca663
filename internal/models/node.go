package models

import (
	"slices"
	"time"
)

// ContactKind тип успешного контакта узла с агрегатором
type ContactKind string

const (
	ContactPush ContactKind = "push"
	ContactPull ContactKind = "pull"
)

// NodeRegistration представляет зарегистрированный клинический узел
type NodeRegistration struct {
	CreatedAt         time.Time     `json:"created_at"`                   // CreatedAt время регистрации
	LastPushAt        *time.Time    `json:"last_push_at,omitempty"`       // LastPushAt последний успешный push
	LastPullAt        *time.Time    `json:"last_pull_at,omitempty"`       // LastPullAt последний успешный pull
	LastSeenAt        *time.Time    `json:"last_seen_at,omitempty"`       // LastSeenAt любой успешный контакт
	NodeID            string        `json:"node_id"`                      // NodeID уникальный идентификатор узла
	DisplayName       string        `json:"display_name"`                 // DisplayName название клиники
	TokenHash         string        `json:"-"`                            // TokenHash отпечаток выданного authToken
	SyncedCollections []string      `json:"synced_collections,omitempty"` // SyncedCollections пусто - все коллекции
	PushInterval      time.Duration `json:"push_interval"`                // PushInterval период push
	PullInterval      time.Duration `json:"pull_interval"`                // PullInterval период pull
	SyncEnabled       bool          `json:"sync_enabled"`                 // SyncEnabled флаг включения синхронизации
}

// Online вычисляет признак "онлайн" по LastSeenAt
func (n *NodeRegistration) Online(now time.Time, timeout time.Duration) bool {
	if n.LastSeenAt == nil {
		return false
	}
	return now.Sub(*n.LastSeenAt) < timeout
}

// Syncs возвращает true, если коллекция синхронизируется этим узлом
func (n *NodeRegistration) Syncs(collection string) bool {
	if len(n.SyncedCollections) == 0 {
		return true
	}
	return slices.Contains(n.SyncedCollections, collection)
}

// NodeConfig конфигурация синхронизации, которую узел получает от реестра
type NodeConfig struct {
	NodeID            string        `json:"node_id"`
	SyncedCollections []string      `json:"synced_collections,omitempty"`
	PushInterval      time.Duration `json:"push_interval"`
	PullInterval      time.Duration `json:"pull_interval"`
	SyncEnabled       bool          `json:"sync_enabled"`
}
