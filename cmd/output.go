package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pbparthas/scriptlock/internal/state"
	"github.com/pbparthas/scriptlock/internal/tui"
)

const timeLayout = "2006-01-02 15:04:05"

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printLockDetail(w io.Writer, l *state.Lock, now time.Time) {
	status := tui.StatusOf(l, now, 0)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Resource:\t%s\n", l.ResourceID)
	fmt.Fprintf(tw, "Lock ID:\t%s\n", l.ID)
	fmt.Fprintf(tw, "Owner:\t%s\n", l.OwnerID)
	if l.ProjectID != "" {
		fmt.Fprintf(tw, "Project:\t%s\n", l.ProjectID)
	}
	if l.FilePath != "" {
		fmt.Fprintf(tw, "File:\t%s\n", l.FilePath)
	}
	fmt.Fprintf(tw, "Status:\t%s %s\n", tui.GetStatusIcon(status), status)
	fmt.Fprintf(tw, "Acquired:\t%s\n", l.AcquiredAt.Local().Format(timeLayout))
	fmt.Fprintf(tw, "Expires:\t%s (%s)\n", l.ExpiresAt.Local().Format(timeLayout), tui.FormatRemaining(l.Remaining(now)))
	if l.ReleasedAt != nil {
		fmt.Fprintf(tw, "Released:\t%s\n", l.ReleasedAt.Local().Format(timeLayout))
	}
	tw.Flush()
}

func printLockTable(w io.Writer, locks []*state.Lock, now time.Time, warn time.Duration) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tOWNER\tPROJECT\tSTATUS\tEXPIRES\tREMAINING\tLOCK ID")
	fmt.Fprintln(tw, "--------\t-----\t-------\t------\t-------\t---------\t-------")

	for _, l := range locks {
		project := l.ProjectID
		if project == "" {
			project = "-"
		}
		status := tui.StatusOf(l, now, warn)

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
			l.ResourceID,
			l.OwnerID,
			project,
			tui.GetStatusIcon(status),
			status,
			l.ExpiresAt.Local().Format(timeLayout),
			tui.FormatRemaining(l.Remaining(now)),
			l.ID)
	}
	tw.Flush()
}
