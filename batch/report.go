package batch

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/LoveWonYoung/conuds/flash"
)

// Report collects the entries of one batch run.
type Report struct {
	Entries []Entry
	Elapsed time.Duration
}

var (
	okColor    = color.New(color.FgGreen, color.Bold)
	skipColor  = color.New(color.FgCyan)
	failColor  = color.New(color.FgRed, color.Bold)
	titleColor = color.New(color.Bold)
)

// Failed counts targets whose status is Failed.
func (r *Report) Failed() int {
	n := 0
	for _, e := range r.Entries {
		if !e.Result.Status.OK() {
			n++
		}
	}
	return n
}

func (r *Report) OK() bool { return r.Failed() == 0 }

func statusCell(s flash.FlashStatus) string {
	switch s.Kind {
	case flash.StatusDownloadSuccess:
		return okColor.Sprint("SUCCESS")
	case flash.StatusCrcMatch:
		return skipColor.Sprint("CRC MATCH")
	}
	return failColor.Sprint("FAILED")
}

// Write prints the summary table followed by the failure details.
func (r *Report) Write(w io.Writer) error {
	titleColor.Fprintf(w, "Batch summary (%d targets, %.2fs)\n", len(r.Entries), r.Elapsed.Seconds())

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NODE", "STATUS", "FILE", "ATTEMPTS", "DURATION"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, e := range r.Entries {
		table.Append([]string{
			e.Target.Node,
			statusCell(e.Result.Status),
			filepath.Base(e.Target.Binary),
			fmt.Sprint(e.Attempts),
			fmt.Sprintf("%.2fs", e.Result.Duration.Seconds()),
		})
	}
	table.Render()

	failed := r.Failed()
	if failed == 0 {
		_, err := okColor.Fprintf(w, "All %d targets up to date\n", len(r.Entries))
		return err
	}
	failColor.Fprintf(w, "\n%d of %d targets failed:\n", failed, len(r.Entries))
	for _, e := range r.Entries {
		if e.Result.Status.OK() {
			continue
		}
		if _, err := fmt.Fprintf(w, "  %s (%s): %s\n", e.Target.Node, e.Target.Binary, e.Result.Status.Reason); err != nil {
			return err
		}
	}
	return nil
}
