// Package status renders the daemon state for the CLI `status` subcommand.
// It is a pure UDS polling client; when the daemon is down it degrades to
// reporting that fact instead of failing.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/uds"
)

// Report is the aggregate the status command prints.
type Report struct {
	Daemon     DaemonState            `json:"daemon"`
	Queue      *model.GlobalQueueView `json:"queue,omitempty"`
	Blueprints []BlueprintRow         `json:"blueprints,omitempty"`
}

type DaemonState struct {
	Running bool `json:"running"`
	Pid     int  `json:"pid,omitempty"`
}

// BlueprintRow mirrors the daemon's list_blueprints summary.
type BlueprintRow struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Nodes     int    `json:"nodes"`
	NodesDone int    `json:"nodes_done"`
	NodesBad  int    `json:"nodes_failed_or_blocked"`
	UpdatedAt string `json:"updated_at"`
}

// Collect polls the daemon over its socket.
func Collect(dataDir string) Report {
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))

	var report Report
	resp, err := client.SendCommand("ping", nil)
	if err != nil || !resp.Success {
		return report
	}
	report.Daemon.Running = true

	var ping struct {
		Pid int `json:"pid"`
	}
	if err := json.Unmarshal(resp.Data, &ping); err == nil {
		report.Daemon.Pid = ping.Pid
	}

	if resp, err := client.SendCommand("global_status", nil); err == nil && resp.Success {
		var data struct {
			Queue model.GlobalQueueView `json:"queue"`
		}
		if err := json.Unmarshal(resp.Data, &data); err == nil {
			report.Queue = &data.Queue
		}
	}

	if resp, err := client.SendCommand("list_blueprints", nil); err == nil && resp.Success {
		var data struct {
			Blueprints []BlueprintRow `json:"blueprints"`
		}
		if err := json.Unmarshal(resp.Data, &data); err == nil {
			report.Blueprints = data.Blueprints
		}
	}
	return report
}

// Run collects and prints the status report.
func Run(dataDir string, jsonOutput bool, w io.Writer) error {
	report := Collect(dataDir)

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	Print(w, report)
	return nil
}

// Print renders the human-readable report.
func Print(w io.Writer, r Report) {
	if !r.Daemon.Running {
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}
	fmt.Fprintf(w, "Daemon: running (pid %d)\n", r.Daemon.Pid)

	if r.Queue != nil {
		fmt.Fprintf(w, "Active agent processes: %d\n", r.Queue.ActiveSlots)
		fmt.Fprintf(w, "Queued tasks: %d\n", r.Queue.QueueLength)
	}

	if len(r.Blueprints) == 0 {
		fmt.Fprintln(w, "\nBlueprints: none")
		return
	}
	fmt.Fprintln(w, "\nBlueprints:")
	fmt.Fprintf(w, "  %-22s  %-9s  %9s  %s\n", "ID", "STATUS", "DONE", "TITLE")
	for _, b := range r.Blueprints {
		fmt.Fprintf(w, "  %-22s  %-9s  %4d/%-4d  %s", b.ID, b.Status, b.NodesDone, b.Nodes, b.Title)
		if b.NodesBad > 0 {
			fmt.Fprintf(w, "  (%d failed/blocked)", b.NodesBad)
		}
		fmt.Fprintln(w)
	}
}
