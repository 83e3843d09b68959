package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
	"github.com/mtzanidakis/sitescope/internal/worker"
)

// runOnce analyzes one target in-process, without the bus or the web server.
func runOnce(args []string) error {
	flags, positional := parseArgs(args)
	if len(positional) != 1 {
		fmt.Fprintf(os.Stderr, "Usage: sitescope run <url> [--kinds keyword,content,...] [--tenant t] [--locale l] [--json]\n")
		return fmt.Errorf("expected exactly one target")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	d, err := dispatcher.New(cfg, dispatcher.Deps{
		Registry:  worker.DefaultRegistry(st.providers),
		Fetcher:   st.fetcher,
		Store:     st.db,
		Telemetry: st.tel,
	})
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}
	defer func() {
		sctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		_ = d.Shutdown(sctx)
	}()

	kinds := splitKinds(flags["kinds"])
	id, err := d.StartRun(ctx, dispatcher.Submission{
		Tenant: flags["tenant"],
		Target: positional[0],
		Kinds:  kinds,
		Locale: flags["locale"],
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	asJSON := flags["json"] != ""
	sub := d.Publisher().Subscribe(id, 0)
	defer sub.Close()
	for done := false; !done; {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				done = true
				break
			}
			if !asJSON {
				fmt.Fprintln(os.Stderr, formatEvent(ev))
			}
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "cancelling run...")
			_ = d.CancelRun(id)
		}
	}

	status, err := d.Status(id)
	if err != nil {
		return err
	}
	d.Flush()

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}
	printPlan(status)
	if status.Run.Status != analysis.RunCompleted {
		return fmt.Errorf("run %s %s", id, status.Run.Status)
	}
	return nil
}

// parseArgs splits "--key value" pairs from positional arguments. A flag
// followed by another flag or nothing is recorded as "true".
func parseArgs(args []string) (map[string]string, []string) {
	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "--") || len(a) == 2 {
			positional = append(positional, a)
			continue
		}
		key := a[2:]
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
			flags[key] = args[i+1]
			i++
		} else {
			flags[key] = "true"
		}
	}
	return flags, positional
}

// splitKinds defaults to every kind when none are given.
func splitKinds(raw string) []string {
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		for _, k := range analysis.AllKinds {
			out = append(out, string(k))
		}
	}
	return out
}

func formatEvent(ev analysis.ProgressEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%3d] %s %s", ev.Sequence, ev.Time.Format(time.TimeOnly), ev.Type)
	for _, key := range []string{"stage", "kind", "status", "progress", "error"} {
		if v, ok := ev.Payload[key]; ok {
			fmt.Fprintf(&b, " %s=%v", key, v)
		}
	}
	return b.String()
}

func printPlan(st *dispatcher.RunStatus) {
	fmt.Printf("Run %s: %s (%s)\n", st.Run.ID, st.Run.Status, st.Outcome)
	if st.Run.Error != nil {
		fmt.Printf("Error: %s\n", st.Run.Error.Message)
	}
	if len(st.ActionPlan) == 0 {
		return
	}
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPRIORITY\tCATEGORY\tSOURCE\tACTION")
	for i, item := range st.ActionPlan {
		fmt.Fprintf(w, "%d\t%.2f\t%s\t%s\t%s\n", i+1, item.Priority, item.Category, item.Source, item.Title)
	}
	_ = w.Flush()
}
