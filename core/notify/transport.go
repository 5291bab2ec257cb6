package notify

import (
	"context"
)

type (
	SMS struct {
		To   string
		Body string
		Ref  string // caller reference passed on to the provider, if it supports one
	}

	// SendResult is what an SMS channel reports back for one message.
	SendResult struct {
		Status     DeliveryStatus `json:"status"` // StatusSent or StatusFailed
		ResourceID string         `json:"resource_id,omitempty"`
		Error      string         `json:"error,omitempty"`
	}

	// Transport is an external SMS channel.
	// A returned error is a channel failure: it is recorded against the recipient and never aborts a sweep.
	Transport interface {
		Send(ctx context.Context, msg SMS) (SendResult, error)
	}
)
