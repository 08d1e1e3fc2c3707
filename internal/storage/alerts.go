package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sensorhub/internal/logger"
	"sensorhub/internal/metrics"
	"sensorhub/internal/models"
)

// AlertStore persists alerts and their resolution state
type AlertStore struct {
	db *gorm.DB
	tx TransactionFunc
}

// NewAlertStore creates an alert store backed by db
func NewAlertStore(db *gorm.DB) *AlertStore {
	return &AlertStore{
		db: db,
		tx: GetTransactionFunc(db, DetectDialect(db)),
	}
}

// Append stores all drafts in one transaction and returns them in draft order.
// Either every draft is stored or none is.
func (s *AlertStore) Append(ctx context.Context, drafts []models.AlertDraft) (_ []models.Alert, err error) {
	defer observe("append_alerts", time.Now(), &err)

	if len(drafts) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	stored := make([]models.Alert, len(drafts))
	for i, d := range drafts {
		stored[i] = models.Alert{
			ID:         uuid.New(),
			DeviceID:   d.DeviceID,
			Type:       d.Type,
			Message:    d.Message,
			Severity:   d.Severity,
			IsResolved: false,
			CreatedAt:  now,
		}
	}

	err = s.tx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&stored).Error
	})
	if err != nil {
		return nil, models.NewStorageError("append_alerts", err)
	}

	for _, a := range stored {
		metrics.AlertsRaisedTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	}
	return stored, nil
}

// Create stores a single operator-supplied alert after validating it. The
// device must already be registered.
func (s *AlertStore) Create(ctx context.Context, draft models.AlertDraft) (*models.Alert, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	var devices int64
	err := s.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("device_id = ?", draft.DeviceID).
		Count(&devices).Error
	if err != nil {
		return nil, models.NewStorageError("create_alert", err)
	}
	if devices == 0 {
		return nil, models.NewNotFoundError("device", draft.DeviceID)
	}

	stored, err := s.Append(ctx, []models.AlertDraft{draft})
	if err != nil {
		return nil, err
	}
	return &stored[0], nil
}

// ListActive returns unresolved alerts, newest first
func (s *AlertStore) ListActive(ctx context.Context) (_ []models.Alert, err error) {
	defer observe("list_active_alerts", time.Now(), &err)

	alerts := make([]models.Alert, 0)
	err = s.db.WithContext(ctx).
		Where("is_resolved = ?", false).
		Order("created_at DESC").
		Find(&alerts).Error
	if err != nil {
		return nil, models.NewStorageError("list_active_alerts", err)
	}
	return alerts, nil
}

// Get returns one alert or a NotFoundError
func (s *AlertStore) Get(ctx context.Context, alertID string) (_ *models.Alert, err error) {
	defer observe("get_alert", time.Now(), &err)

	id, perr := uuid.Parse(alertID)
	if perr != nil {
		return nil, models.NewNotFoundError("alert", alertID)
	}

	var alert models.Alert
	err = s.db.WithContext(ctx).Where("id = ?", id).Take(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewNotFoundError("alert", alertID)
	}
	if err != nil {
		return nil, models.NewStorageError("get_alert", err)
	}
	return &alert, nil
}

// Resolve marks an alert resolved. Resolving an already resolved alert is a
// no-op that keeps the original resolved_at.
func (s *AlertStore) Resolve(ctx context.Context, alertID string) (err error) {
	defer observe("resolve_alert", time.Now(), &err)

	id, perr := uuid.Parse(alertID)
	if perr != nil {
		return models.NewNotFoundError("alert", alertID)
	}

	res := s.db.WithContext(ctx).
		Model(&models.Alert{}).
		Where("id = ? AND is_resolved = ?", id, false).
		Updates(map[string]any{
			"is_resolved": true,
			"resolved_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return models.NewStorageError("resolve_alert", res.Error)
	}
	if res.RowsAffected == 1 {
		metrics.AlertsResolvedTotal.Inc()
		log := logger.WithComponent("alert_store")
		log.Info().Str("alert_id", alertID).Msg("alert resolved")
		return nil
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Alert{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return models.NewStorageError("resolve_alert", err)
	}
	if count == 0 {
		return models.NewNotFoundError("alert", alertID)
	}
	return nil
}
