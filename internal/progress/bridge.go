package progress

import (
	"log/slog"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/natsbus"
)

// Bridge forwards events to NATS for consumers outside the process.
type Bridge struct {
	client *natsbus.Client
}

func NewBridge(client *natsbus.Client) *Bridge {
	return &Bridge{client: client}
}

func (b *Bridge) Forward(ev analysis.ProgressEvent) {
	if err := b.client.PublishJSON(natsbus.TopicRunEvents(ev.RunID), ev); err != nil {
		slog.Warn("forward progress event failed", "run", ev.RunID, "seq", ev.Sequence, "error", err)
	}
}
