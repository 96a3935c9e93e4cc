package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/evertras/bubble-table/table"
	"github.com/spf13/cobra"

	okserial "github.com/egnor/ok-go-serial"
)

var (
	hitStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	newStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	attrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [match]",
	Short: "List serial ports and their attributes",
	Long: `List serial ports attached to the system, with the attributes that
match expressions can select on (vid, pid, serial_number, product, ...).

With a match expression, only matching ports are shown and the matched
attributes are highlighted. With --wait, keeps re-scanning until at least
one matching port appears or the wait expires.

Example usage:
  okserial list
  okserial list vid=0403
  okserial list --table
  okserial list serial_number=A6003xyz --wait 30s`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		expr := ""
		if len(args) > 0 {
			expr = args[0]
		}
		namesOnly, _ := cmd.Flags().GetBool("name")
		tableFormat, _ := cmd.Flags().GetBool("table")
		firstOnly, _ := cmd.Flags().GetBool("one")
		wait, _ := cmd.Flags().GetDuration("wait")

		log := newLogger()
		defer log.Sync()
		opts, err := portOptions(log)
		if err != nil {
			fatal("%v", err)
		}

		tracker, err := okserial.NewTracker(expr, opts...)
		if err != nil {
			fatal("%v", err)
		}
		defer tracker.Close()

		ports, err := tracker.FindSync(wait)
		if err != nil {
			fatal("%v", err)
		}
		if len(ports) == 0 {
			if tracker.Matcher().Empty() {
				fmt.Println("No serial ports found")
			} else {
				fmt.Printf("No serial ports match %q\n", expr)
			}
			return
		}

		if firstOnly && len(ports) > 1 {
			ports = ports[:1]
		}

		switch {
		case namesOnly:
			for _, p := range ports {
				fmt.Println(p.Name)
			}
		case tableFormat:
			renderTable(ports)
		default:
			renderPorts(ports, tracker.Matcher())
		}
	},
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().BoolP("name", "n", false, "Print device names only")
	listCmd.Flags().BoolP("one", "1", false, "Show only the first matching port")
	listCmd.Flags().BoolP("table", "t", false, "Display output in a styled table format")
	listCmd.Flags().DurationP("wait", "w", 0, "Keep scanning this long for a match")
}

// renderPorts prints one line per port: the device name followed by its
// attributes, with match-relevant attributes highlighted.
func renderPorts(ports []okserial.Port, m *okserial.Matcher) {
	for _, p := range ports {
		hits := map[string]bool{}
		for _, k := range m.Hits(p) {
			hits[k] = true
		}

		line := p.Name
		for _, k := range sortedAttrKeys(p.Attr) {
			if k == "name" || k == "time" {
				continue
			}
			pair := fmt.Sprintf("%s=%s", k, quoteIfNeeded(p.Attr[k]))
			switch {
			case hits[k]:
				pair = hitStyle.Render(pair)
			case k == "tracking":
				pair = newStyle.Render(pair)
			default:
				pair = attrStyle.Render(pair)
			}
			line += " " + pair
		}
		if hits["name"] {
			line = hitStyle.Render(p.Name) + strings.TrimPrefix(line, p.Name)
		}
		fmt.Println(line)
	}
}

// renderTable prints a statically rendered table of ports and their common
// attributes.
func renderTable(ports []okserial.Port) {
	columns := []table.Column{
		table.NewColumn("name", "Device", 18),
		table.NewColumn("vid_pid", "VID:PID", 10),
		table.NewColumn("serial_number", "Serial", 16),
		table.NewFlexColumn("product", "Product", 1),
	}

	rows := make([]table.Row, 0, len(ports))
	for _, p := range ports {
		rows = append(rows, table.NewRow(table.RowData{
			"name":          p.Name,
			"vid_pid":       p.Attr["vid_pid"],
			"serial_number": p.Attr["serial_number"],
			"product":       p.Attr["product"],
		}))
	}

	t := table.New(columns).
		WithRows(rows).
		WithTargetWidth(100).
		WithBaseStyle(lipgloss.NewStyle().Align(lipgloss.Left))
	fmt.Println(t.View())
}

func sortedAttrKeys(attr map[string]string) []string {
	keys := make([]string, 0, len(attr))
	for k := range attr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// quoteIfNeeded quotes attribute values that would not survive as a match
// expression term verbatim.
func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, " \t\"'=!~") {
		return fmt.Sprintf("%q", v)
	}
	return v
}
