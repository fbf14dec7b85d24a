package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// nodeStatus mirrors the admin API status response.
type nodeStatus struct {
	NodeID        string `json:"node_id"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Connections   int    `json:"connections"`
	Messages      struct {
		Held  int    `json:"held"`
		Total uint64 `json:"total"`
	} `json:"messages"`
	Journal *struct {
		Records uint64 `json:"records"`
	} `json:"journal"`
}

// connectionList mirrors the admin API connections response.
type connectionList struct {
	Connections []struct {
		ID           string `json:"id"`
		MonitorState string `json:"monitor_state"`
		Mode         string `json:"mode"`
		Surfaced     uint64 `json:"messages_surfaced"`
		Error        string `json:"error"`
	} `json:"connections"`
	Count int `json:"count"`
}

// NewStatusCmd creates the status command
func NewStatusCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running daemon",
		Long: `Query a running daemon over its admin API and print a node summary
together with every supervised connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := adminEndpoint(endpoint)

			var status nodeStatus
			if err := fetchJSON(base+"/api/v1/status", &status); err != nil {
				return fmt.Errorf("failed to query %s: %w", base, err)
			}

			fmt.Printf("Node:        %s\n", status.NodeID)
			fmt.Printf("Version:     %s\n", status.Version)
			fmt.Printf("Uptime:      %s\n", time.Duration(status.UptimeSeconds)*time.Second)
			fmt.Printf("Connections: %d\n", status.Connections)
			fmt.Printf("Messages:    %d surfaced, %d held in memory\n", status.Messages.Total, status.Messages.Held)
			if status.Journal != nil {
				fmt.Printf("Journal:     %d records\n", status.Journal.Records)
			}

			var conns connectionList
			if err := fetchJSON(base+"/api/v1/connections", &conns); err != nil {
				return fmt.Errorf("failed to query %s: %w", base, err)
			}

			if conns.Count == 0 {
				return nil
			}

			fmt.Println()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "CONNECTION\tSTATE\tMODE\tSURFACED\tERROR")

			for _, c := range conns.Connections {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					c.ID, c.MonitorState, c.Mode, c.Surfaced, c.Error)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "",
		"Admin API endpoint (defaults to $RDMAMON_ENDPOINT or "+defaultEndpoint+")")

	return cmd
}

// NewStopCmd creates the stop command
func NewStopCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "stop <connection-id>",
		Short: "Stop monitoring a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := adminEndpoint(endpoint)

			var result struct {
				Message string `json:"message"`
				ID      string `json:"id"`
			}
			if err := postJSON(base+"/api/v1/connections/"+args[0]+"/stop", &result); err != nil {
				return fmt.Errorf("failed to stop connection: %w", err)
			}

			fmt.Printf("Connection '%s' stopped\n", result.ID)

			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "",
		"Admin API endpoint (defaults to $RDMAMON_ENDPOINT or "+defaultEndpoint+")")

	return cmd
}
