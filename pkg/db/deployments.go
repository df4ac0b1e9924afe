package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	log "github.com/sirupsen/logrus"
)

var activeStatuses = []StepStatus{StepPending, StepRunning}

// StepSeed is one step of a deployment about to be created
type StepSeed struct {
	Name    string
	Message string
}

// NewDeployment describes the rows inserted for one deployment run
type NewDeployment struct {
	InstanceID   string
	DeploymentID string
	Kind         DeploymentKind
	GitRef       string
	Steps        []StepSeed
	// Secret is stored on the first step only
	Secret string
}

// StepUpdate is a status change of a single step row
type StepUpdate struct {
	Status  StepStatus
	Message string
	Output  string
	At      time.Time
}

// CreateDeployment inserts one pending row per step. The instance row is
// locked before the active deployment check so concurrent creates for the
// same instance serialize.
func (s *Store) CreateDeployment(ctx context.Context, d NewDeployment) error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("deployment %q has no steps", d.DeploymentID)
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst Instance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&inst, "id = ?", d.InstanceID).Error
		if err != nil {
			return notFound(err, "instance", d.InstanceID)
		}

		exists, err := activeDeploymentExists(tx, d.InstanceID)
		if err != nil {
			return err
		}
		if exists {
			return ErrDeployInProgress
		}

		rows := make([]DeploymentRecord, 0, len(d.Steps))
		for i, step := range d.Steps {
			r := DeploymentRecord{
				InstanceID:   d.InstanceID,
				DeploymentID: d.DeploymentID,
				Kind:         d.Kind,
				GitRef:       d.GitRef,
				Step:         step.Name,
				Position:     i,
				Status:       StepPending,
				Message:      step.Message,
			}
			if i == 0 {
				r.Secret = d.Secret
			}
			rows = append(rows, r)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert deployment records: %w", err)
		}
		return nil
	})
}

func activeDeploymentExists(tx *gorm.DB, instanceID string) (bool, error) {
	var n int64
	err := tx.Model(&DeploymentRecord{}).
		Where("instance_id = ? AND status IN ?", instanceID, activeStatuses).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("count active deployment records: %w", err)
	}
	return n > 0, nil
}

// HasActiveDeployment reports whether any step of any deployment of the
// instance is pending or running
func (s *Store) HasActiveDeployment(ctx context.Context, instanceID string) (bool, error) {
	return activeDeploymentExists(s.DB.WithContext(ctx), instanceID)
}

// UpdateStep applies a status change to one step row
func (s *Store) UpdateStep(ctx context.Context, instanceID, deploymentID, step string, u StepUpdate) error {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	updates := map[string]interface{}{"status": u.Status}
	if u.Message != "" {
		updates["message"] = u.Message
	}
	if u.Output != "" {
		updates["output"] = u.Output
	}
	switch {
	case u.Status == StepRunning:
		updates["started_at"] = at
	case u.Status.Terminal():
		updates["completed_at"] = at
	}

	res := s.DB.WithContext(ctx).Model(&DeploymentRecord{}).
		Where("instance_id = ? AND deployment_id = ? AND step = ?", instanceID, deploymentID, step).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update step %s: %w", step, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step %s of deployment %q: %w", step, deploymentID, ErrNotFound)
	}
	return nil
}

// StepMessage replaces the message of a step without changing its status
func (s *Store) StepMessage(ctx context.Context, instanceID, deploymentID, step, message string) error {
	err := s.DB.WithContext(ctx).Model(&DeploymentRecord{}).
		Where("instance_id = ? AND deployment_id = ? AND step = ?", instanceID, deploymentID, step).
		Update("message", message).Error
	if err != nil {
		return fmt.Errorf("update step %s message: %w", step, err)
	}
	return nil
}

// SkipPending marks every still pending step of the deployment skipped
func (s *Store) SkipPending(ctx context.Context, instanceID, deploymentID, message string, at time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&DeploymentRecord{}).
		Where("instance_id = ? AND deployment_id = ? AND status = ?", instanceID, deploymentID, StepPending).
		Updates(map[string]interface{}{
			"status":       StepSkipped,
			"message":      message,
			"completed_at": at,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("skip pending steps: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// TakeSecret returns the one-time secret of the deployment and clears it in
// the same transaction. An empty string means no secret was stored.
func (s *Store) TakeSecret(ctx context.Context, instanceID, deploymentID string) (string, error) {
	var secret string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r DeploymentRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("instance_id = ? AND deployment_id = ? AND secret <> ''", instanceID, deploymentID).
			Order("position ASC").
			First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read deploy secret: %w", err)
		}
		secret = r.Secret
		return clearSecret(tx, instanceID, deploymentID)
	})
	return secret, err
}

// ClearSecret removes any stored secret of the deployment
func (s *Store) ClearSecret(ctx context.Context, instanceID, deploymentID string) error {
	return clearSecret(s.DB.WithContext(ctx), instanceID, deploymentID)
}

func clearSecret(tx *gorm.DB, instanceID, deploymentID string) error {
	err := tx.Model(&DeploymentRecord{}).
		Where("instance_id = ? AND deployment_id = ? AND secret <> ''", instanceID, deploymentID).
		Update("secret", "").Error
	if err != nil {
		return fmt.Errorf("clear deploy secret: %w", err)
	}
	return nil
}

// ListDeployment returns the step rows of one deployment in pipeline order
func (s *Store) ListDeployment(ctx context.Context, instanceID, deploymentID string) ([]DeploymentRecord, error) {
	var rows []DeploymentRecord
	err := s.DB.WithContext(ctx).
		Where("instance_id = ? AND deployment_id = ?", instanceID, deploymentID).
		Order("position ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list deployment records: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("deployment %q: %w", deploymentID, ErrNotFound)
	}
	return rows, nil
}

// LatestDeploymentID returns the id of the most recently created deployment
// of the instance
func (s *Store) LatestDeploymentID(ctx context.Context, instanceID string) (string, error) {
	var r DeploymentRecord
	err := s.DB.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC").
		First(&r).Error
	if err != nil {
		return "", notFound(err, "deployment of instance", instanceID)
	}
	return r.DeploymentID, nil
}

// MarkStuckDeployments fails deployments that stopped making progress
// before cutoff and returns how many it closed. Instances left in deploying
// become error. Deployments that were created but never started are closed
// whatever the instance status, so a new deployment can be created.
func (s *Store) MarkStuckDeployments(ctx context.Context, cutoff time.Time, message string) (int, error) {
	var instances []Instance
	err := s.DB.WithContext(ctx).
		Where("status = ?", InstanceDeploying).
		Find(&instances).Error
	if err != nil {
		return 0, fmt.Errorf("list deploying instances: %w", err)
	}

	marked := 0
	for _, inst := range instances {
		var rows []DeploymentRecord
		err := s.DB.WithContext(ctx).
			Where("instance_id = ?", inst.ID).
			Order("id DESC").
			Limit(50).
			Find(&rows).Error
		if err != nil {
			return marked, fmt.Errorf("list records of %q: %w", inst.ID, err)
		}
		if len(rows) == 0 || lastActivity(rows).After(cutoff) {
			continue
		}

		now := time.Now().UTC()
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&DeploymentRecord{}).
				Where("instance_id = ? AND status IN ?", inst.ID, activeStatuses).
				Updates(map[string]interface{}{
					"status":       StepFailed,
					"message":      message,
					"completed_at": now,
				}).Error; err != nil {
				return err
			}
			return tx.Model(&Instance{}).
				Where("id = ? AND status = ?", inst.ID, InstanceDeploying).
				Update("status", InstanceError).Error
		})
		if err != nil {
			return marked, fmt.Errorf("mark %q stuck: %w", inst.ID, err)
		}
		marked++
	}

	n, err := s.closeUnstarted(ctx, cutoff, message)
	return marked + n, err
}

// closeUnstarted fails deployments whose rows are all still pending and
// were created before cutoff
func (s *Store) closeUnstarted(ctx context.Context, cutoff time.Time, message string) (int, error) {
	var pending []DeploymentRecord
	err := s.DB.WithContext(ctx).
		Select("instance_id", "deployment_id").
		Where("status = ?", StepPending).
		Group("instance_id, deployment_id").
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("list pending deployments: %w", err)
	}

	closed := 0
	for _, p := range pending {
		rows, err := s.ListDeployment(ctx, p.InstanceID, p.DeploymentID)
		if err != nil {
			return closed, err
		}
		started := false
		for _, r := range rows {
			if r.Status != StepPending {
				started = true
				break
			}
		}
		if started || lastActivity(rows).After(cutoff) {
			continue
		}

		now := time.Now().UTC()
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := clearSecret(tx, p.InstanceID, p.DeploymentID); err != nil {
				return err
			}
			if err := tx.Model(&DeploymentRecord{}).
				Where("id = ? AND status = ?", rows[0].ID, StepPending).
				Updates(map[string]interface{}{
					"status":       StepFailed,
					"message":      message,
					"completed_at": now,
				}).Error; err != nil {
				return err
			}
			return tx.Model(&DeploymentRecord{}).
				Where("instance_id = ? AND deployment_id = ? AND status = ?", p.InstanceID, p.DeploymentID, StepPending).
				Updates(map[string]interface{}{
					"status":       StepSkipped,
					"message":      "Skipped after " + rows[0].Step + " failed",
					"completed_at": now,
				}).Error
		})
		if err != nil {
			return closed, fmt.Errorf("close unstarted deployment %q: %w", p.DeploymentID, err)
		}
		log.WithFields(log.Fields{
			"instance":   p.InstanceID,
			"deployment": p.DeploymentID,
		}).Warn("closed deployment that never started")
		closed++
	}
	return closed, nil
}

func lastActivity(rows []DeploymentRecord) time.Time {
	var last time.Time
	for _, r := range rows {
		for _, t := range []*time.Time{&r.CreatedAt, r.StartedAt, r.CompletedAt} {
			if t != nil && t.After(last) {
				last = *t
			}
		}
	}
	return last
}
