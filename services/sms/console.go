package smssvc

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/trezcool/rollcall/core/notify"
)

// consoleTransport prints messages instead of sending them, for local runs.
type consoleTransport struct {
	std *log.Logger
}

var _ notify.Transport = (*consoleTransport)(nil)

func NewConsoleTransport(std *log.Logger) *consoleTransport {
	return &consoleTransport{std: std}
}

func (t *consoleTransport) Send(_ context.Context, msg notify.SMS) (notify.SendResult, error) {
	id := uuid.New().String()
	t.std.Printf("SMS %s to %s: %s\n", id, msg.To, msg.Body)
	return notify.SendResult{Status: notify.StatusSent, ResourceID: id}, nil
}
