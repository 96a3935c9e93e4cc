package cli

import (
	"github.com/spf13/cobra"

	okserial "github.com/egnor/ok-go-serial"
	"github.com/egnor/ok-go-serial/internal/tui"
)

// termCmd represents the term command
var termCmd = &cobra.Command{
	Use:   "term [match]",
	Short: "Open an interactive terminal to a serial port",
	Long: `Open an interactive terminal session with the port matching an
expression. The session tracks the device: if it resets or re-enumerates,
the terminal waits and reconnects automatically.

Typed lines are sent with CR LF appended; received data scrolls in the main
view. Press ctrl+c to quit.

Example usage:
  okserial term
  okserial term vid=2e8a --baud 9600
  okserial term serial_number=A6003xyz`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		expr := ""
		if len(args) > 0 {
			expr = args[0]
		}

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

		title := expr
		if title == "" {
			title = "(any port)"
		}
		if err := tui.Run(tracker, title); err != nil {
			fatal("%v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(termCmd)
}
