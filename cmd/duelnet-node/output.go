package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"duelnet/internal/daemon"
	"duelnet/internal/metrics"
	"duelnet/internal/outbox"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEvent(w io.Writer, ev daemon.Event) {
	_, _ = fmt.Fprintf(w, "event=%s dest=%s game=%d", ev.Kind, ev.Dest, ev.GameID)
	if ev.CorrelationID != "" {
		_, _ = fmt.Fprintf(w, " corr=%s", ev.CorrelationID)
	}
	if ev.Identity != "" {
		_, _ = fmt.Fprintf(w, " identity=%s", ev.Identity)
	}
	_, _ = fmt.Fprintln(w)
}

func writeEvent(cmd *cobra.Command, ev daemon.Event, outputJSON bool) {
	if !outputJSON {
		printEvent(cmd.OutOrStdout(), ev)
		return
	}
	body := map[string]any{
		"event":   ev.Kind.String(),
		"dest":    ev.Dest.String(),
		"game_id": ev.GameID,
	}
	if ev.CorrelationID != "" {
		body["correlation_id"] = ev.CorrelationID
	}
	if ev.Identity != "" {
		body["identity"] = ev.Identity
	}
	_ = writeJSON(cmd.OutOrStdout(), body)
}

func parseDestinations(raw []string) ([]outbox.Destination, error) {
	out := make([]outbox.Destination, 0, len(raw))
	for _, s := range raw {
		d, err := outbox.ParseDestination(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// readMetricsSnapshot loads the last snapshot a running node wrote. A missing
// or unreadable file yields an empty snapshot.
func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}
