package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/rdmamon/pkg/render"
)

// payloadColumnLimit keeps the payload column readable in wide listings.
const payloadColumnLimit = 48

// messageEntry covers both the in-memory and the journal message shapes.
// In-memory messages carry a pre-rendered payload, journal records carry
// the raw bytes.
type messageEntry struct {
	ConnID     string    `json:"conn_id"`
	Seq        uint64    `json:"seq"`
	Rendered   string    `json:"rendered"`
	Payload    []byte    `json:"payload"`
	ByteLen    uint32    `json:"byte_len"`
	Truncated  bool      `json:"truncated"`
	Degraded   bool      `json:"degraded"`
	ReceivedAt time.Time `json:"received_at"`
}

func (m messageEntry) text() string {
	if m.Rendered != "" {
		return m.Rendered
	}

	return render.Bytes(m.Payload)
}

func (m messageEntry) flags() string {
	switch {
	case m.Truncated && m.Degraded:
		return "truncated,degraded"
	case m.Truncated:
		return "truncated"
	case m.Degraded:
		return "degraded"
	default:
		return ""
	}
}

// NewMessagesCmd creates the messages command
func NewMessagesCmd() *cobra.Command {
	var (
		endpoint string
		limit    int
		journal  bool
		full     bool
	)

	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List surfaced messages from a running daemon",
		Long: `List messages a running daemon has surfaced, newest first.

By default the daemon's in-memory ring is listed. With --journal the
on-disk archive is read instead, which survives daemon restarts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			base := adminEndpoint(endpoint)

			path := "/api/v1/messages"
			if journal {
				path = "/api/v1/journal/messages"
			}

			var list struct {
				Messages []messageEntry `json:"messages"`
				Count    int            `json:"count"`
			}
			if err := fetchJSON(fmt.Sprintf("%s%s?limit=%d", base, path, limit), &list); err != nil {
				return fmt.Errorf("failed to query %s: %w", base, err)
			}

			if list.Count == 0 {
				fmt.Println("No messages")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SEQ\tCONNECTION\tBYTES\tRECEIVED\tFLAGS\tPAYLOAD")

			for _, m := range list.Messages {
				payload := m.text()
				if !full && len(payload) > payloadColumnLimit {
					payload = payload[:payloadColumnLimit] + "..."
				}

				_, _ = fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					m.Seq, m.ConnID, m.ByteLen,
					m.ReceivedAt.Local().Format("15:04:05.000"),
					m.flags(), payload)
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "",
		"Admin API endpoint (defaults to $RDMAMON_ENDPOINT or "+defaultEndpoint+")")
	cmd.Flags().IntVar(&limit, "limit", defaultListLimit, "Maximum number of messages to list")
	cmd.Flags().BoolVar(&journal, "journal", false, "List the on-disk journal instead of the in-memory ring")
	cmd.Flags().BoolVar(&full, "full", false, "Print full payloads instead of truncating them")

	return cmd
}
