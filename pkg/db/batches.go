package db

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateBatch(ctx context.Context, b *BatchRecord) error {
	if err := s.DB.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	var b BatchRecord
	if err := s.DB.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "batch", id)
	}
	return &b, nil
}

// ListBatches returns batches newest first
func (s *Store) ListBatches(ctx context.Context, limit, offset int) ([]BatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var batches []BatchRecord
	err := s.DB.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// ClaimBatch moves a scheduled batch to running. It reports false when the
// batch was not scheduled anymore.
func (s *Store) ClaimBatch(ctx context.Context, id string, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&BatchRecord{}).
		Where("id = ? AND status = ?", id, BatchScheduled).
		Updates(map[string]interface{}{
			"status":     BatchRunning,
			"started_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("claim batch: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// RecordOutcome stores the outcome of one instance and bumps the matching
// counter. Once every instance has an outcome a running batch gets its
// terminal status.
func (s *Store) RecordOutcome(ctx context.Context, id, instanceID string, success bool, at time.Time) (*BatchRecord, error) {
	var b BatchRecord
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&b, "id = ?", id).Error
		if err != nil {
			return notFound(err, "batch", id)
		}

		results := b.Outcomes()
		if success {
			results[instanceID] = OutcomeCompleted
			b.CompletedCount++
		} else {
			results[instanceID] = OutcomeFailed
			b.FailedCount++
		}
		b.Results = datatypes.NewJSONType(results)

		if b.Status == BatchRunning && b.Done() {
			b.Status = BatchCompleted
			if b.FailedCount > 0 {
				b.Status = BatchFailed
			}
			b.CompletedAt = &at
		}

		return tx.Model(&BatchRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
			"results":         b.Results,
			"completed_count": b.CompletedCount,
			"failed_count":    b.FailedCount,
			"status":          b.Status,
			"completed_at":    b.CompletedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// FinishBatch gives a still running batch its terminal status. It reports
// false when the batch had already left running.
func (s *Store) FinishBatch(ctx context.Context, id string, status BatchStatus, at time.Time) (bool, error) {
	res := s.DB.WithContext(ctx).Model(&BatchRecord{}).
		Where("id = ? AND status = ?", id, BatchRunning).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("finish batch: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CancelBatch cancels a scheduled or running batch
func (s *Store) CancelBatch(ctx context.Context, id string, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&BatchRecord{}).
		Where("id = ? AND status IN ?", id, []BatchStatus{BatchScheduled, BatchRunning}).
		Updates(map[string]interface{}{
			"status":       BatchCancelled,
			"completed_at": at,
		})
	if res.Error != nil {
		return fmt.Errorf("cancel batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		b, err := s.GetBatch(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("batch %q is %s: %w", id, b.Status, ErrInvalidState)
	}
	return nil
}

// PendingBatches returns scheduled batches whose scheduled time has passed
func (s *Store) PendingBatches(ctx context.Context, now time.Time) ([]BatchRecord, error) {
	var batches []BatchRecord
	err := s.DB.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", BatchScheduled, now).
		Order("scheduled_at ASC").
		Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("list pending batches: %w", err)
	}
	return batches, nil
}
