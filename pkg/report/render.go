package report

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/srodi/procgroup/pkg/types"
)

const (
	roleIndent   = "    "
	memberIndent = "        "
	unknownPath  = "Unknown parent"
)

// RenderOptions controls the text layout.
type RenderOptions struct {
	// ShowCPU adds context switch and CPU columns and per-member lines.
	ShowCPU bool
	// Width wraps pid lists; zero disables wrapping.
	Width int
}

// NoProcessesMessage is the line printed when a trace held no interesting processes.
func NoProcessesMessage(image string) string {
	return fmt.Sprintf("No %s processes found.", image)
}

// Render writes the per-root breakdown of r.
func Render(w io.Writer, r *Report, opts RenderOptions) error {
	var buf bytes.Buffer

	if opts.ShowCPU && len(r.Watched) > 0 {
		for _, row := range r.Watched {
			if row.Suppressed {
				continue
			}
			fmt.Fprintf(&buf, "%11s - %6s context switches, %8.2f ms CPU\n",
				row.Image, switches(row.Totals), row.Totals.CPUMs())
		}
		buf.WriteString("\n")
	}

	if len(r.Roots) == 0 {
		buf.WriteString(NoProcessesMessage(r.Image) + "\n")
		_, err := w.Write(buf.Bytes())
		return err
	}

	fmt.Fprintf(&buf, "%s PIDs by process type:\n", r.Image)
	for _, root := range r.Roots {
		path := root.Path
		if path == "" {
			path = unknownPath
		}
		if opts.ShowCPU {
			fmt.Fprintf(&buf, "%s (%d) - %s context switches, %8.2f ms CPU, %d processes\n",
				path, root.PID, switches(root.Totals), root.Totals.CPUMs(), root.Processes)
		} else {
			fmt.Fprintf(&buf, "%s (%d) - %d processes\n", path, root.PID, root.Processes)
		}

		for _, role := range root.Roles {
			fmt.Fprintf(&buf, "%s%-11s : ", roleIndent, role.Role)
			if opts.ShowCPU {
				writeMemberLines(&buf, role)
			} else {
				writePIDList(&buf, role, opts.Width)
			}
			buf.WriteString("\n")
		}
		buf.WriteString("\n")
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func writeMemberLines(buf *bytes.Buffer, role RoleRow) {
	fmt.Fprintf(buf, "total - %6s context switches, %8.2f ms CPU", switches(role.Totals), role.Totals.CPUMs())
	hidden := 0
	for _, m := range role.Members {
		if m.Suppressed {
			hidden++
			continue
		}
		fmt.Fprintf(buf, "\n%s%5d - %6s context switches, %8.2f ms CPU",
			memberIndent, m.PID, switches(m.Totals), m.Totals.CPUMs())
		if m.Subtype != "" {
			fmt.Fprintf(buf, " (%s)", m.Subtype)
		}
	}
	if hidden > 0 {
		fmt.Fprintf(buf, "\n%s%d below threshold", memberIndent, hidden)
	}
}

func writePIDList(buf *bytes.Buffer, role RoleRow, width int) {
	col := len(roleIndent) + max(len(role.Role), 11) + len(" : ")
	for _, m := range role.Members {
		token := strconv.FormatUint(uint64(m.PID), 10)
		if m.Subtype != "" {
			token += "(" + m.Subtype + ")"
		}
		token += " "
		if width > 0 && col+len(token) > width && col > len(memberIndent) {
			buf.WriteString("\n" + memberIndent)
			col = len(memberIndent)
		}
		buf.WriteString(token)
		col += len(token)
	}
}

// RenderTop writes the busiest members as a table.
func RenderTop(w io.Writer, rows []MemberUsage) error {
	var buf bytes.Buffer
	if len(rows) == 0 {
		fmt.Fprintln(&buf, "No CPU samples recorded")
		_, err := w.Write(buf.Bytes())
		return err
	}
	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tROOT\tROLE\tCPU(ms)\tSWITCHES\tIDLE WAKEUPS")
	for _, row := range rows {
		role := row.Role
		if row.Subtype != "" {
			role += " (" + row.Subtype + ")"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%.2f\t%s\t%s\n", row.PID, row.RootPID, role,
			row.Totals.CPUMs(), switches(row.Totals), humanize.Comma(int64(row.Totals.IdleWakeups)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func switches(t types.Totals) string {
	return humanize.Comma(int64(t.ContextSwitches))
}

// Summary is a one-line digest for log output.
func Summary(r *Report) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%d roots", len(r.Roots)))
	processes := 0
	for _, root := range r.Roots {
		processes += root.Processes
	}
	parts = append(parts, fmt.Sprintf("%s processes", humanize.Comma(int64(processes))))
	parts = append(parts, fmt.Sprintf("%.2f ms CPU", r.Total.CPUMs()))
	return strings.Join(parts, ", ")
}
