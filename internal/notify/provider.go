package notify

import (
	"context"
	"log/slog"

	"github.com/darshan-rambhia/fleetlink/internal/model"
)

// Provider sends notifications through a specific channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, n model.Notification) error
}

// Fanout sends n to every provider, logging failures. It returns the number
// of providers that accepted the notification.
func Fanout(ctx context.Context, providers []Provider, n model.Notification) int {
	ok := 0
	for _, p := range providers {
		if err := p.Send(ctx, n); err != nil {
			slog.Error("sending notification", "provider", p.Name(), "kind", n.Kind, "device_id", n.DeviceID, "error", err)
			continue
		}
		ok++
	}
	return ok
}
