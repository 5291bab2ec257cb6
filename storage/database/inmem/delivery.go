package inmemdb

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/trezcool/rollcall/core/notify"
)

type deliveryRepository struct {
	db *deliveryTable
}

var _ notify.Repository = (*deliveryRepository)(nil)

func NewDeliveryRepository(db *DB) *deliveryRepository {
	return &deliveryRepository{db: db.delivery}
}

func cloneDelivery(d *notify.Delivery) notify.Delivery {
	c := *d
	if d.LastAttemptAt != nil {
		at := *d.LastAttemptAt
		c.LastAttemptAt = &at
	}
	return c
}

func (repo *deliveryRepository) GetDelivery(_ context.Context, key notify.DeliveryKey) (notify.Delivery, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if d, ok := repo.db.table[key]; ok {
		return cloneDelivery(d), nil
	}
	return notify.Delivery{}, notify.ErrDeliveryNotFound
}

func (repo *deliveryRepository) ClaimDelivery(_ context.Context, d notify.Delivery, prev *notify.Delivery, now time.Time) (notify.Delivery, bool, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	now = now.UTC()
	key := d.Key()
	row, exists := repo.db.table[key]
	if prev == nil {
		if exists {
			return notify.Delivery{}, false, nil
		}
		d.ID = uuid.New().String()
		d.Status = notify.StatusPending
		d.Attempts = 1
		d.LastAttemptAt = &now
		d.CreatedAt = now
		d.UpdatedAt = now
		repo.db.table[key] = &d
		return cloneDelivery(&d), true, nil
	}

	if !exists || row.Status != prev.Status || row.Attempts != prev.Attempts {
		return notify.Delivery{}, false, nil
	}
	row.Status = notify.StatusPending
	row.Attempts++
	row.Phone = d.Phone
	row.Error = ""
	row.LastAttemptAt = &now
	row.UpdatedAt = now
	return cloneDelivery(row), true, nil
}

func (repo *deliveryRepository) RecordOutcome(_ context.Context, key notify.DeliveryKey, attempts int, outcome notify.SendResult, now time.Time) (notify.Delivery, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	row, ok := repo.db.table[key]
	if !ok {
		return notify.Delivery{}, notify.ErrDeliveryNotFound
	}
	// a newer claim owns the row now
	if row.Attempts != attempts || row.Status == notify.StatusSent {
		return cloneDelivery(row), nil
	}
	row.Status = outcome.Status
	row.ProviderMessageID = outcome.ResourceID
	row.Error = outcome.Error
	row.UpdatedAt = now.UTC()
	return cloneDelivery(row), nil
}

func (repo *deliveryRepository) QueryDeliveries(_ context.Context, filter notify.DeliveryFilter) ([]notify.Delivery, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	deliveries := make([]notify.Delivery, 0)
	for _, d := range repo.db.table {
		if (filter.SchoolID != "" && d.SchoolID != filter.SchoolID) ||
			(filter.DateKey != "" && d.DateKey != filter.DateKey) ||
			(filter.Status != "" && d.Status != filter.Status) {
			continue
		}
		deliveries = append(deliveries, cloneDelivery(d))
	}
	sort.Slice(deliveries, func(i, j int) bool {
		if deliveries[i].StudentID != deliveries[j].StudentID {
			return deliveries[i].StudentID < deliveries[j].StudentID
		}
		return deliveries[i].ParentUserID < deliveries[j].ParentUserID
	})
	return deliveries, nil
}
