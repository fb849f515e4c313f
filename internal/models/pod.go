package models

import (
	"strconv"
	"time"
)

// Pod status values reported by the Message Store.
const (
	PodActive   = "ACTIVE"
	PodInactive = "INACTIVE"
)

// PodStatus is one row of the pod status table.
type PodStatus struct {
	ID       string    `json:"_id"`
	PodID    string    `json:"pod_id"`
	Status   string    `json:"status"`
	Battery  float64   `json:"battery"`
	LastSeen time.Time `json:"last_seen"`
}

// Active reports whether the pod was last marked ACTIVE.
func (p PodStatus) Active() bool {
	return p.Status == PodActive
}

// PodRecord is the Message Store's persisted pod row.
type PodRecord struct {
	ID       uint      `gorm:"primaryKey;autoIncrement"`
	PodID    string    `gorm:"size:64;not null;uniqueIndex"`
	Status   string    `gorm:"size:16;not null;default:INACTIVE"`
	Battery  float64   `gorm:"default:0"`
	LastSeen time.Time `gorm:"index"`
}

// Wire converts a stored pod row into its JSON form.
func (p PodRecord) Wire() PodStatus {
	return PodStatus{
		ID:       strconv.FormatUint(uint64(p.ID), 10),
		PodID:    p.PodID,
		Status:   p.Status,
		Battery:  p.Battery,
		LastSeen: p.LastSeen,
	}
}
