// file: internal/printer/printer.go

package printer

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"k8s.io/apimachinery/pkg/util/duration"

	"github.com/fx147/kube-notifier/pkg/checkpoint"
)

// PrintCheckpointsTable 将 checkpoint 列表以表格形式打印到指定的 writer。
func PrintCheckpointsTable(out io.Writer, entries []checkpoint.Entry, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	defer w.Flush()

	// 打印表头
	fmt.Fprintln(w, "KEY\tRESOURCEVERSION\tLAST SEEN\tREVISION")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			e.Key,
			valueOrNone(e.Checkpoint.ResourceVersion),
			formatAge(e.Checkpoint.LastSeenAt, now),
			e.Revision,
		)
	}
}

// formatAge 输出 kubectl 风格的时长，例如 "5m" 或 "3d4h"
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "<unknown>"
	}
	return duration.HumanDuration(now.Sub(t)) + " ago"
}

func valueOrNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
