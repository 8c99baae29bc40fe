package telegraph

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/notify"
)

// AdapterChannel delivers notifications through a chat Adapter. When the
// adapter is a Poster and Threads is set, the posted message is bound to the
// notification's reply token.
type AdapterChannel struct {
	Adapter   Adapter
	Platform  string // used in Name, e.g. "slack"
	ChannelID string // empty uses the adapter's default channel
	Threads   *ReplyThreads
}

func (c *AdapterChannel) Name() string {
	if c.Platform == "" {
		return "chat"
	}
	return c.Platform
}

func (c *AdapterChannel) Send(ctx context.Context, n notify.Notification) (bool, error) {
	if c.Adapter == nil {
		return false, fmt.Errorf("telegraph: channel %s: adapter is required", c.Name())
	}
	msg := OutboundMessage{
		ChannelID: c.ChannelID,
		Text:      n.Summary(maxFieldLen),
		Events:    []FormattedEvent{FormatNotification(n)},
	}

	poster, ok := c.Adapter.(Poster)
	if !ok || c.Threads == nil || n.Metadata.Token == "" {
		if err := c.Adapter.Send(ctx, msg); err != nil {
			return false, fmt.Errorf("telegraph: channel %s: %w", c.Name(), err)
		}
		return true, nil
	}

	posted, err := poster.Post(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("telegraph: channel %s: %w", c.Name(), err)
	}
	c.Threads.Bind(c.Name(), posted, n.Metadata.Token)
	return true, nil
}
