package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	okserial "github.com/egnor/ok-go-serial"
)

var (
	eventStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114"))
	lostStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))
	stampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [match]",
	Short: "Follow a port across resets, printing everything it sends",
	Long: `Track the port matching an expression and print its output, staying
attached across device resets, unplugs, and re-enumeration. When the device
disappears, watch keeps scanning and reconnects as soon as it returns.

Example usage:
  okserial watch vid=2e8a
  okserial watch serial_number=A6003xyz --hex

Press Ctrl+C to stop.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		expr := ""
		if len(args) > 0 {
			expr = args[0]
		}
		hexMode, _ := cmd.Flags().GetBool("hex")

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

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := watchLoop(ctx, tracker, hexMode); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().BoolP("hex", "x", false, "Print data as hex dumps instead of text")
}

func watchLoop(ctx context.Context, tracker *okserial.Tracker, hexMode bool) error {
	for {
		conn, err := tracker.ConnectContext(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			return err
		}
		printEvent(eventStyle, "connected to %s", conn.Name())

		for {
			data, err := conn.ReadContext(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				printEvent(lostStyle, "lost %s: %v", conn.Name(), err)
				break
			}
			printData(data, hexMode)
		}
	}
}

func printEvent(style lipgloss.Style, format string, args ...any) {
	stamp := stampStyle.Render(time.Now().Format("15:04:05.000"))
	fmt.Printf("%s %s\n", stamp, style.Render("["+fmt.Sprintf(format, args...)+"]"))
}

func printData(data []byte, hexMode bool) {
	if hexMode {
		stamp := stampStyle.Render(time.Now().Format("15:04:05.000"))
		for off := 0; off < len(data); off += 16 {
			end := off + 16
			if end > len(data) {
				end = len(data)
			}
			fmt.Printf("%s  % x\n", stamp, data[off:end])
		}
		return
	}
	os.Stdout.WriteString(strings.ReplaceAll(string(data), "\r\n", "\n"))
}
