// Package store is a reference Message Store: the HTTP backend the dashboard
// polls for messages and pod status, persisted through GORM.
package store

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/podyard/internal/battery"
	"github.com/zulandar/podyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalid wraps submissions rejected by validation.
var ErrInvalid = errors.New("store: invalid submission")

// Repo reads and writes messages and pods.
type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRepo wraps db. now defaults to time.Now.
func NewRepo(db *gorm.DB, now func() time.Time) *Repo {
	if now == nil {
		now = time.Now
	}
	return &Repo{db: db, now: now}
}

// ListMessages returns every message in insertion order.
func (r *Repo) ListMessages() ([]models.Message, error) {
	var rows []models.StoredMessage
	if err := r.db.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	out := make([]models.Message, len(rows))
	for i, row := range rows {
		out[i] = row.Wire()
	}
	return out, nil
}

// SaveMessage validates and stores a submission under a fresh server id.
// A resubmission carrying a client id already stored for the same sender
// returns the existing row. A message from a pod marks that pod seen.
func (r *Repo) SaveMessage(sub models.Submission) (models.Message, bool, error) {
	if err := validateSubmission(sub); err != nil {
		return models.Message{}, false, err
	}

	var saved models.StoredMessage
	created := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if sub.ClientID != "" {
			var existing models.StoredMessage
			err := tx.Where("client_id = ? AND sender = ?", sub.ClientID, sub.Sender).First(&existing).Error
			if err == nil {
				saved = existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		now := r.now().UTC()
		saved = models.StoredMessage{
			ServerID:  uuid.NewString(),
			ClientID:  sub.ClientID,
			Sender:    sub.Sender,
			Receiver:  sub.Receiver,
			Text:      sub.Text,
			Location:  strings.TrimSpace(sub.Location),
			CreatedAt: now,
		}
		if err := tx.Create(&saved).Error; err != nil {
			return err
		}
		created = true

		if sub.Sender != models.Operator {
			return markSeen(tx, sub.Sender, now, nil)
		}
		return nil
	})
	if err != nil {
		return models.Message{}, false, fmt.Errorf("store: save message: %w", err)
	}
	return saved.Wire(), created, nil
}

// ListPods returns every pod ordered by name.
func (r *Repo) ListPods() ([]models.PodStatus, error) {
	var rows []models.PodRecord
	if err := r.db.Order("pod_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list pods: %w", err)
	}
	out := make([]models.PodStatus, len(rows))
	for i, row := range rows {
		out[i] = row.Wire()
	}
	return out, nil
}

// SweepResult counts pods by status after a sweep.
type SweepResult struct {
	Active   int64 `json:"active"`
	Inactive int64 `json:"inactive"`
}

// SweepPods marks pods seen within inactiveAfter ACTIVE and the rest
// INACTIVE.
func (r *Repo) SweepPods(inactiveAfter time.Duration) (SweepResult, error) {
	cutoff := r.now().UTC().Add(-inactiveAfter)
	var res SweepResult
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PodRecord{}).
			Where("last_seen >= ?", cutoff).
			Update("status", models.PodActive).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.PodRecord{}).
			Where("last_seen < ? OR last_seen IS NULL", cutoff).
			Update("status", models.PodInactive).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.PodRecord{}).Where("status = ?", models.PodActive).Count(&res.Active).Error; err != nil {
			return err
		}
		return tx.Model(&models.PodRecord{}).Where("status = ?", models.PodInactive).Count(&res.Inactive).Error
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("store: sweep pods: %w", err)
	}
	return res, nil
}

// ReportBattery records a battery reading for a pod and marks it seen.
func (r *Repo) ReportBattery(s battery.Sample) (battery.Stats, error) {
	if strings.TrimSpace(s.NodeID) == "" {
		return battery.Stats{}, fmt.Errorf("%w: pod_id is required", ErrInvalid)
	}
	stats := battery.Compute(s)
	pct := math.Round(battery.Percentage(s.Voltage)*10) / 10
	if err := markSeen(r.db, s.NodeID, r.now().UTC(), &pct); err != nil {
		return battery.Stats{}, fmt.Errorf("store: report battery: %w", err)
	}
	return stats, nil
}

// markSeen upserts a pod as ACTIVE, seen at now, optionally with a new
// battery level.
func markSeen(tx *gorm.DB, podID string, now time.Time, batteryPct *float64) error {
	pod := models.PodRecord{PodID: podID, Status: models.PodActive, LastSeen: now}
	cols := []string{"status", "last_seen"}
	if batteryPct != nil {
		pod.Battery = *batteryPct
		cols = append(cols, "battery")
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "pod_id"}},
		DoUpdates: clause.AssignmentColumns(cols),
	}).Create(&pod).Error
}

func validateSubmission(sub models.Submission) error {
	var missing []string
	if strings.TrimSpace(sub.Sender) == "" {
		missing = append(missing, "sender")
	}
	if strings.TrimSpace(sub.Receiver) == "" {
		missing = append(missing, "receiver")
	}
	if strings.TrimSpace(sub.Text) == "" {
		missing = append(missing, "text")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}
