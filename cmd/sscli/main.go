package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
	"github.com/mtzanidakis/sitescope/internal/natsbus"
	"github.com/nats-io/nats.go"
)

const ipcTimeout = 10 * time.Second

func sendIPC(client *natsbus.Client, cmdType string, payload any) (*dispatcher.IPCReply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var reply dispatcher.IPCReply
	if err := client.RequestJSON(natsbus.TopicIPCRuns, dispatcher.IPCCommand{Type: cmdType, Payload: data}, &reply, ipcTimeout); err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}
	return &reply, nil
}

// watch prints the run's events until a terminal one arrives or ctx ends.
// Events published before the subscription are not replayed.
func watch(ctx context.Context, client *natsbus.Client, runID string, out io.Writer) (analysis.EventType, error) {
	ch := make(chan *nats.Msg, 64)
	sub, err := client.SubscribeChan(natsbus.TopicRunEvents(runID), ch)
	if err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := client.Flush(); err != nil {
		return "", fmt.Errorf("flush: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case msg := <-ch:
			var ev analysis.ProgressEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				continue
			}
			payload, _ := json.Marshal(ev.Payload)
			fmt.Fprintf(out, "[%3d] %s %s\n", ev.Sequence, ev.Type, payload)
			if ev.Type.Terminal() {
				return ev.Type, nil
			}
		}
	}
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  sscli start --target "https://..." [--kinds keyword,content] [--tenant t] [--locale l] [--watch yes]`)
	fmt.Fprintln(os.Stderr, `  sscli status --id "..."`)
	fmt.Fprintln(os.Stderr, `  sscli cancel --id "..."`)
	fmt.Fprintln(os.Stderr, `  sscli watch --id "..."`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func splitKinds(raw string) []string {
	var kinds []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		for _, k := range analysis.AllKinds {
			kinds = append(kinds, string(k))
		}
	}
	return kinds
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	client, err := natsbus.NewClientFromURL(natsURL, "sscli")
	if err != nil {
		fatal("%v", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "start":
		if args["target"] == "" {
			fatal("--target is required")
		}
		resp, err := sendIPC(client, "start", dispatcher.Submission{
			Tenant: args["tenant"],
			Target: args["target"],
			Kinds:  splitKinds(args["kinds"]),
			Locale: args["locale"],
		})
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Printf("Run started: %s\n", resp.ID)
		if args["watch"] != "" {
			runWatch(ctx, client, resp.ID)
		}

	case "status":
		if args["id"] == "" {
			fatal("--id is required")
		}
		resp, err := sendIPC(client, "status", map[string]string{"id": args["id"]})
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		printStatus(os.Stdout, resp.Status)

	case "cancel":
		if args["id"] == "" {
			fatal("--id is required")
		}
		resp, err := sendIPC(client, "cancel", map[string]string{"id": args["id"]})
		if err != nil {
			fatal("%v", err)
		}
		if resp.Error != "" {
			fatal("%s", resp.Error)
		}
		fmt.Println("Run cancelled.")

	case "watch":
		if args["id"] == "" {
			fatal("--id is required")
		}
		runWatch(ctx, client, args["id"])

	default:
		fatal("unknown command: %s", command)
	}
}

func runWatch(ctx context.Context, client *natsbus.Client, id string) {
	last, err := watch(ctx, client, id, os.Stdout)
	if err != nil {
		fatal("%v", err)
	}
	if last == analysis.EventRunError {
		os.Exit(2)
	}
}

func printStatus(w io.Writer, st *dispatcher.RunStatus) {
	if st == nil || st.Run == nil {
		fmt.Fprintln(w, "No status returned.")
		return
	}
	fmt.Fprintf(w, "%s  %s  %s  %.0f%%  (%s)\n", st.Run.ID, st.Run.Target, st.Run.Status, st.Run.Progress, st.Outcome)
	for _, k := range analysis.AllKinds {
		tv, ok := st.PerWorker[k]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-10s %-10s attempt %d", k, tv.Status, tv.Attempt)
		if tv.Error != nil {
			line += "  " + string(tv.Error.Kind) + ": " + tv.Error.Message
		}
		fmt.Fprintln(w, line)
	}
	if len(st.ActionPlan) > 0 {
		fmt.Fprintf(w, "  %d actions in plan\n", len(st.ActionPlan))
	}
}
