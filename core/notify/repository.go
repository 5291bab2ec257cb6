package notify

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var (
	// errors
	ErrDeliveryNotFound = errors.New("delivery not found")
)

type Repository interface {
	GetDelivery(ctx context.Context, key DeliveryKey) (Delivery, error)
	// ClaimDelivery atomically takes a delivery key before a send.
	// With prev nil a new pending row is inserted unless the key exists already.
	// Otherwise the row is only moved back to pending if it still has prev's status and attempts.
	// It reports false when another sweep won the key.
	ClaimDelivery(ctx context.Context, d Delivery, prev *Delivery, now time.Time) (Delivery, bool, error)
	// RecordOutcome stores the result of the attempt numbered attempts.
	RecordOutcome(ctx context.Context, key DeliveryKey, attempts int, outcome SendResult, now time.Time) (Delivery, error)
	QueryDeliveries(ctx context.Context, filter DeliveryFilter) ([]Delivery, error)
}
