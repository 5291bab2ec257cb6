package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/notify"
)

type deliveryRow struct {
	ID                string      `db:"id"`
	SchoolID          string      `db:"school_id"`
	ClassID           string      `db:"class_id"`
	StudentID         string      `db:"student_id"`
	ParentUserID      null.String `db:"parent_user_id"`
	DateKey           string      `db:"date_key"`
	Phone             string      `db:"phone"`
	Status            string      `db:"status"`
	ProviderMessageID null.String `db:"provider_message_id"`
	Error             null.String `db:"error"`
	Attempts          int         `db:"attempts"`
	LastAttemptAt     null.Time   `db:"last_attempt_at"`
	CreatedAt         time.Time   `db:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at"`
}

func (r deliveryRow) toDelivery() notify.Delivery {
	return notify.Delivery{
		ID:                r.ID,
		SchoolID:          r.SchoolID,
		ClassID:           r.ClassID,
		StudentID:         r.StudentID,
		ParentUserID:      r.ParentUserID.String,
		DateKey:           r.DateKey,
		Phone:             r.Phone,
		Status:            notify.DeliveryStatus(r.Status),
		ProviderMessageID: r.ProviderMessageID.String,
		Error:             r.Error.String,
		Attempts:          r.Attempts,
		LastAttemptAt:     utcPtr(r.LastAttemptAt),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

const deliveryColumns = "id, school_id, class_id, student_id, parent_user_id, date_key, phone, status, " +
	"provider_message_id, error, attempts, last_attempt_at, created_at, updated_at"

type deliveryRepository struct {
	db core.DB
}

var _ notify.Repository = (*deliveryRepository)(nil)

func NewDeliveryRepository(db core.DB) *deliveryRepository {
	return &deliveryRepository{db: db}
}

func (repo *deliveryRepository) GetDelivery(ctx context.Context, key notify.DeliveryKey) (notify.Delivery, error) {
	var row deliveryRow
	q := "SELECT " + deliveryColumns + " FROM absence_sms_logs WHERE student_id = $1 AND parent_user_id = $2 AND date_key = $3"
	if err := repo.db.GetContext(ctx, &row, q, key.StudentID, key.ParentUserID, key.DateKey); err != nil {
		if err == sql.ErrNoRows {
			return notify.Delivery{}, notify.ErrDeliveryNotFound
		}
		return notify.Delivery{}, errors.Wrap(err, "selecting delivery")
	}
	return row.toDelivery(), nil
}

func (repo *deliveryRepository) ClaimDelivery(ctx context.Context, d notify.Delivery, prev *notify.Delivery, now time.Time) (notify.Delivery, bool, error) {
	now = now.UTC()
	var rows []deliveryRow

	if prev == nil {
		q := `INSERT INTO absence_sms_logs (` + deliveryColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, 1, $9, $9, $9)
			ON CONFLICT (student_id, parent_user_id, date_key) WHERE parent_user_id IS NOT NULL DO NOTHING
			RETURNING ` + deliveryColumns
		err := repo.db.SelectContext(ctx, &rows, q,
			uuid.New().String(), d.SchoolID, d.ClassID, d.StudentID, d.ParentUserID, d.DateKey, d.Phone,
			string(notify.StatusPending), now)
		if err != nil {
			return notify.Delivery{}, false, errors.Wrap(err, "inserting delivery")
		}
	} else {
		q := `UPDATE absence_sms_logs
			SET status = $4, attempts = attempts + 1, phone = $5, error = NULL, last_attempt_at = $6, updated_at = $6
			WHERE student_id = $1 AND parent_user_id = $2 AND date_key = $3 AND status = $7 AND attempts = $8
			RETURNING ` + deliveryColumns
		err := repo.db.SelectContext(ctx, &rows, q,
			d.StudentID, d.ParentUserID, d.DateKey, string(notify.StatusPending), d.Phone, now,
			string(prev.Status), prev.Attempts)
		if err != nil {
			return notify.Delivery{}, false, errors.Wrap(err, "reclaiming delivery")
		}
	}

	if len(rows) == 0 {
		return notify.Delivery{}, false, nil
	}
	return rows[0].toDelivery(), true, nil
}

func (repo *deliveryRepository) RecordOutcome(ctx context.Context, key notify.DeliveryKey, attempts int, outcome notify.SendResult, now time.Time) (notify.Delivery, error) {
	var rows []deliveryRow
	q := `UPDATE absence_sms_logs
		SET status = $5, provider_message_id = $6, error = $7, updated_at = $8
		WHERE student_id = $1 AND parent_user_id = $2 AND date_key = $3 AND attempts = $4 AND status <> 'sent'
		RETURNING ` + deliveryColumns
	err := repo.db.SelectContext(ctx, &rows, q,
		key.StudentID, key.ParentUserID, key.DateKey, attempts,
		string(outcome.Status),
		null.NewString(outcome.ResourceID, outcome.ResourceID != ""),
		null.NewString(outcome.Error, outcome.Error != ""),
		now.UTC())
	if err != nil {
		return notify.Delivery{}, errors.Wrap(err, "recording delivery outcome")
	}
	if len(rows) == 0 {
		// a newer claim owns the row now
		return repo.GetDelivery(ctx, key)
	}
	return rows[0].toDelivery(), nil
}

func (repo *deliveryRepository) QueryDeliveries(ctx context.Context, filter notify.DeliveryFilter) ([]notify.Delivery, error) {
	var w where
	w.addIf(filter.SchoolID != "", "school_id = ?", filter.SchoolID)
	w.addIf(filter.DateKey != "", "date_key = ?", filter.DateKey)
	w.addIf(filter.Status != "", "status = ?", string(filter.Status))

	var rows []deliveryRow
	q := "SELECT " + deliveryColumns + " FROM absence_sms_logs" + w.String() + " ORDER BY student_id, parent_user_id"
	if err := repo.db.SelectContext(ctx, &rows, q, w.args...); err != nil {
		return nil, errors.Wrap(err, "selecting deliveries")
	}
	deliveries := make([]notify.Delivery, 0, len(rows))
	for _, r := range rows {
		deliveries = append(deliveries, r.toDelivery())
	}
	return deliveries, nil
}
