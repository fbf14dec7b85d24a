package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmamon/internal/hardware"
)

// NewDevicesCmd creates the devices command
func NewDevicesCmd() *cobra.Command {
	var endpoint string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List RDMA devices detected on the daemon's host",
		RunE: func(cmd *cobra.Command, args []string) error {
			base := adminEndpoint(endpoint)

			var caps hardware.Capabilities
			if err := fetchJSON(base+"/api/v1/devices", &caps); err != nil {
				return fmt.Errorf("failed to query %s: %w", base, err)
			}

			if !caps.Available {
				fmt.Println("No RDMA devices detected")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tTYPE\tLINK\tSTATE\tRATE\tPORTS\tFIRMWARE")

			for _, dev := range caps.Devices {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d Gb/s\t%d\t%s\n",
					dev.Name, dev.NodeType, dev.LinkLayer, dev.State,
					dev.SpeedGbps, dev.PhysPortCount, dev.FirmwareVer)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "",
		"Admin API endpoint (defaults to $RDMAMON_ENDPOINT or "+defaultEndpoint+")")

	return cmd
}
