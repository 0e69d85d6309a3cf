// Package telemetry sends optional, anonymous usage events. Disabled unless
// a PostHog key is configured.
package telemetry

import (
	"runtime"

	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog/log"
)

// Client wraps an optional PostHog client. The zero value is a no-op.
type Client struct {
	ph         posthog.Client
	distinctID string
}

// New creates a telemetry client. An empty key disables telemetry entirely.
func New(key, distinctID string) *Client {
	if key == "" {
		return &Client{}
	}
	ph := posthog.New(key)
	if distinctID == "" {
		distinctID = "anonymous"
	}
	return &Client{ph: ph, distinctID: distinctID}
}

// Track enqueues an event. Safe to call on a disabled client.
func (c *Client) Track(event string, props map[string]interface{}) {
	if c == nil || c.ph == nil {
		return
	}
	properties := posthog.NewProperties().
		Set("os", runtime.GOOS).
		Set("arch", runtime.GOARCH)
	for k, v := range props {
		properties = properties.Set(k, v)
	}
	if err := c.ph.Enqueue(posthog.Capture{
		DistinctId: c.distinctID,
		Event:      event,
		Properties: properties,
	}); err != nil {
		log.Debug().Err(err).Str("event", event).Msg("Telemetry enqueue failed")
	}
}

// Close flushes and shuts down the underlying client.
func (c *Client) Close() {
	if c != nil && c.ph != nil {
		c.ph.Close()
	}
}
