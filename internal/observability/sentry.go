package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

var scrubbedHeaders = []string{"Authorization", "Cookie", "X-Cron-Secret"}

func InitSentry(cfg SentryConfig) error {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

// scrubEvent strips credentials from captured requests.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	for _, name := range scrubbedHeaders {
		for key := range event.Request.Headers {
			if strings.EqualFold(key, name) {
				event.Request.Headers[key] = "[redacted]"
			}
		}
	}
	event.Request.Data = ""
	return event
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
