// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/pluginbridge/internal/health"
)

// BackendStatus holds the probed status of one backend.
type BackendStatus struct {
	URL     string       `json:"url"`
	State   health.State `json:"state"`
	Health  int          `json:"health"`
	Icon    string       `json:"icon"`
	Tooltip string       `json:"tooltip"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	watch      bool
	samples    int
	interval   time.Duration
	timeout    time.Duration
	threshold  int
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status URL...",
		Short: "Probe the connection health of backends",
		Long: `Probe GET <url>/alive on every backend. Without --watch each backend is
probed --samples times and its health is printed; with --watch a single
backend is monitored until interrupted, doubling the probe interval after
every failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if cfg.watch {
				if len(args) != 1 {
					return oops.Code("STATUS_WATCH_ONE_URL").Errorf("--watch takes exactly one url")
				}
				return runWatch(ctx, cmd, cfg, args[0])
			}
			return runStatus(ctx, cmd, cfg, args)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().BoolVar(&cfg.watch, "watch", false, "keep monitoring and print every status change")
	cmd.Flags().IntVar(&cfg.samples, "samples", 1, "probes per backend")
	cmd.Flags().DurationVar(&cfg.interval, "interval", health.DefaultRetryInterval, "base interval between probes")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", health.DefaultRequestTimeout, "timeout of each probe")
	cmd.Flags().IntVar(&cfg.threshold, "threshold", health.DefaultThreshold, "failed probes tolerated before going offline")

	return cmd
}

func (c *statusConfig) monitor(url string) *health.Monitor {
	return health.NewMonitor(url,
		health.WithRequestTimeout(c.timeout),
		health.WithRetryInterval(c.interval, health.MaxRetryInterval),
		health.WithThreshold(c.threshold))
}

// runStatus probes every url and prints the results.
func runStatus(ctx context.Context, cmd *cobra.Command, cfg *statusConfig, urls []string) error {
	statuses := make([]BackendStatus, 0, len(urls))
	for _, url := range urls {
		statuses = append(statuses, probeBackend(ctx, cfg, url))
	}

	if cfg.jsonOutput {
		output, err := formatStatusJSON(statuses)
		if err != nil {
			return err
		}
		cmd.Println(output)
		return nil
	}
	cmd.Print(formatStatusTable(statuses))
	return nil
}

// probeBackend runs cfg.samples probes against url.
func probeBackend(ctx context.Context, cfg *statusConfig, url string) BackendStatus {
	m := cfg.monitor(url)
	machine := health.NewStateMachine(cfg.threshold)
	ev := machine.Current()
	samples := max(cfg.samples, 1)
	for i := range samples {
		ev = machine.Record(m.Check(ctx))
		if i < samples-1 {
			select {
			case <-ctx.Done():
				return describeBackend(m.URL(), ev)
			case <-time.After(cfg.interval):
			}
		}
	}
	return describeBackend(m.URL(), ev)
}

func describeBackend(url string, ev health.Event) BackendStatus {
	ind := health.Describe(ev)
	return BackendStatus{URL: url, State: ev.State, Health: ev.Health, Icon: ind.Icon, Tooltip: ind.Tooltip}
}

// runWatch monitors url until ctx ends.
func runWatch(ctx context.Context, cmd *cobra.Command, cfg *statusConfig, url string) error {
	m := cfg.monitor(url)
	reporter := health.NewTransitionReporter(slog.Default())
	m.OnStatusChange(func(ev health.Event) {
		reporter.Observe(ev)
		st := describeBackend(m.URL(), ev)
		if cfg.jsonOutput {
			data, err := json.Marshal(st)
			if err == nil {
				cmd.Println(string(data))
			}
			return
		}
		cmd.Printf("%s\t%s\t%s\n", time.Now().Format(time.RFC3339), st.State, st.Tooltip)
	})
	m.Run(ctx)
	return nil
}

// formatStatusTable formats the statuses as a human-readable table.
func formatStatusTable(statuses []BackendStatus) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	_, _ = fmt.Fprintln(w, "BACKEND\tSTATE\tHEALTH\tSTATUS")
	_, _ = fmt.Fprintln(w, "-------\t-----\t------\t------")
	for _, st := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d%%\t%s\n", st.URL, st.State, st.Health, st.Tooltip)
	}

	_ = w.Flush()
	return buf.String()
}

// formatStatusJSON formats the statuses as JSON.
func formatStatusJSON(statuses []BackendStatus) (string, error) {
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return "", oops.Code("STATUS_FORMAT_FAILED").Wrap(err)
	}
	return string(data), nil
}
