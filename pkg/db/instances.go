package db

import (
	"context"
	"fmt"
	"time"
)

func (s *Store) CreateHost(ctx context.Context, h *Host) error {
	if h.Status == "" {
		h.Status = HostUnknown
	}
	if err := s.DB.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	return nil
}

func (s *Store) GetHost(ctx context.Context, id string) (*Host, error) {
	var h Host
	if err := s.DB.WithContext(ctx).First(&h, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "host", id)
	}
	return &h, nil
}

func (s *Store) CreateInstance(ctx context.Context, i *Instance) error {
	if i.Status == "" {
		i.Status = InstanceProvisioned
	}
	if err := s.DB.WithContext(ctx).Create(i).Error; err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	var i Instance
	if err := s.DB.WithContext(ctx).First(&i, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "instance", id)
	}
	return &i, nil
}

// MissingInstances returns the ids that have no instance row
func (s *Store) MissingInstances(ctx context.Context, ids []string) ([]string, error) {
	var found []string
	err := s.DB.WithContext(ctx).Model(&Instance{}).
		Where("id IN ?", ids).
		Pluck("id", &found).Error
	if err != nil {
		return nil, fmt.Errorf("lookup instances: %w", err)
	}

	present := make(map[string]bool, len(found))
	for _, id := range found {
		present[id] = true
	}

	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (s *Store) SetInstanceStatus(ctx context.Context, id string, status InstanceStatus) error {
	res := s.DB.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("update instance status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDeployed sets the instance running and records the deployed ref
func (s *Store) MarkDeployed(ctx context.Context, id string, ref string) error {
	updates := map[string]interface{}{"status": InstanceRunning}
	if ref != "" {
		updates["deployed_ref"] = ref
	}
	res := s.DB.WithContext(ctx).Model(&Instance{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark instance deployed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return nil
}

// SetHostStatus records the result of a connectivity check
func (s *Store) SetHostStatus(ctx context.Context, id string, status HostStatus, at time.Time) error {
	updates := map[string]interface{}{"status": status}
	if status == HostConnected {
		updates["last_connected"] = at
	}
	res := s.DB.WithContext(ctx).Model(&Host{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update host %q status: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("host %q: %w", id, ErrNotFound)
	}
	return nil
}
