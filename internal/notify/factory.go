package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	DefaultNATSSubject  = "ekko.access.changed"
	DefaultRedisChannel = "ekko:access:changed"
)

// Options selects and configures the sink.
type Options struct {
	Driver   string // none, nats or redis
	NATSURL  string
	RedisURL string
	Subject  string
}

// New builds the notifier named by opts.Driver.
func New(ctx context.Context, opts Options, logger *slog.Logger) (Notifier, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "none":
		return Nop{}, nil
	case "nats":
		subject := opts.Subject
		if subject == "" {
			subject = DefaultNATSSubject
		}
		return NewNATSNotifier(opts.NATSURL, subject, logger)
	case "redis":
		channel := opts.Subject
		if channel == "" || channel == DefaultNATSSubject {
			channel = DefaultRedisChannel
		}
		return NewRedisNotifier(ctx, opts.RedisURL, channel)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", opts.Driver)
	}
}
