package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mtzanidakis/sitescope/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// IPCCommand is a request on natsbus.TopicIPCRuns.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// IPCReply is the response to an IPCCommand. Error is empty on success.
type IPCReply struct {
	OK     bool       `json:"ok,omitempty"`
	ID     string     `json:"id,omitempty"`
	Status *RunStatus `json:"status,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// ServeIPC answers start, cancel and status commands on the bus.
func (d *Dispatcher) ServeIPC(client *natsbus.Client) (*nats.Subscription, error) {
	return client.Subscribe(natsbus.TopicIPCRuns, d.handleIPC)
}

func (d *Dispatcher) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respondIPC(msg, IPCReply{Error: "invalid command"})
		return
	}
	slog.Info("IPC command received", "type", cmd.Type)

	switch cmd.Type {
	case "start":
		var sub Submission
		if err := json.Unmarshal(cmd.Payload, &sub); err != nil {
			respondIPC(msg, IPCReply{Error: "invalid payload"})
			return
		}
		id, err := d.StartRun(context.Background(), sub)
		if err != nil {
			respondIPC(msg, IPCReply{Error: err.Error()})
			return
		}
		respondIPC(msg, IPCReply{OK: true, ID: id})
	case "cancel", "status":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(cmd.Payload, &req); err != nil || req.ID == "" {
			respondIPC(msg, IPCReply{Error: "id is required"})
			return
		}
		if cmd.Type == "cancel" {
			if err := d.CancelRun(req.ID); err != nil {
				respondIPC(msg, IPCReply{ID: req.ID, Error: err.Error()})
				return
			}
			respondIPC(msg, IPCReply{OK: true, ID: req.ID})
			return
		}
		st, err := d.Status(req.ID)
		if err != nil {
			respondIPC(msg, IPCReply{ID: req.ID, Error: err.Error()})
			return
		}
		respondIPC(msg, IPCReply{OK: true, ID: req.ID, Status: st})
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		respondIPC(msg, IPCReply{Error: "unknown command: " + cmd.Type})
	}
}

func respondIPC(msg *nats.Msg, reply IPCReply) {
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
