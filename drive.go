package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/unidrive/unidrive-go/internal/gateway"
)

func newDrivesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drives",
		Short: "Show quota and capabilities for every configured root",
		Args:  cobra.NoArgs,
		RunE:  runDrives,
	}
}

// drivesJSONEntry is the JSON output schema for one root in drives
// output.
type drivesJSONEntry struct {
	Root         string `json:"root"`
	Service      string `json:"service"`
	Used         int64  `json:"used"`
	Free         int64  `json:"free"`
	Capabilities string `json:"capabilities"`
	Error        string `json:"error,omitempty"`
}

func runDrives(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	entries := make([]drivesJSONEntry, 0, len(app.cfg.Roots))

	for _, root := range app.cfg.Roots {
		entry := drivesJSONEntry{Root: root.Name().String()}

		reg, err := app.registry.Lookup(root.Schema)
		if err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)

			continue
		}

		entry.Service = reg.ServiceURI
		entry.Capabilities = reg.Capabilities.String()

		if err := reg.Require(gateway.CapGetDrive); err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)

			continue
		}

		drive, err := reg.Gateway().GetDrive(ctx, root.Name(), root.Params)
		if err != nil {
			entry.Error = err.Error()
			entries = append(entries, entry)

			continue
		}

		entry.Used = drive.UsedSpace
		entry.Free = drive.FreeSpace
		entries = append(entries, entry)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(entries)
	}

	headers := []string{"ROOT", "SERVICE", "USED", "FREE"}
	rows := make([][]string, 0, len(entries))

	for _, e := range entries {
		used, free := formatSize(e.Used), formatSize(e.Free)
		if e.Error != "" {
			used, free = "error", e.Error
		}

		rows = append(rows, []string{e.Root, e.Service, used, free})
	}

	printTable(os.Stdout, headers, rows)

	return nil
}
