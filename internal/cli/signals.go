package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	okserial "github.com/egnor/ok-go-serial"
)

// signalsCmd represents the signals command
var signalsCmd = &cobra.Command{
	Use:   "signals <match>",
	Short: "Display or change modem control signals",
	Long: `Display the modem control signal states of the matching port, after
optionally changing the outgoing lines.

Examples:
  okserial signals name=*ttyUSB0
  okserial signals vid=0403 --dtr=false
  okserial signals vid=0403 --rts=true --break=false

Signal meanings:
  DTR - Data Terminal Ready (output)
  RTS - Request To Send (output)
  CTS - Clear To Send (input)
  DSR - Data Set Ready (input)
  RI  - Ring Indicator (input)
  CD  - Carrier Detect (input)`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := newLogger()
		defer log.Sync()
		opts, err := portOptions(log)
		if err != nil {
			fatal("%v", err)
		}

		conn, err := okserial.OpenMatching(args[0], opts...)
		if err != nil {
			fatal("%v", err)
		}
		defer conn.Close()

		var changes okserial.SignalChanges
		if cmd.Flags().Changed("dtr") {
			v, _ := cmd.Flags().GetBool("dtr")
			changes.DTR = &v
		}
		if cmd.Flags().Changed("rts") {
			v, _ := cmd.Flags().GetBool("rts")
			changes.RTS = &v
		}
		if cmd.Flags().Changed("break") {
			v, _ := cmd.Flags().GetBool("break")
			changes.SendBreak = &v
		}
		if changes.DTR != nil || changes.RTS != nil || changes.SendBreak != nil {
			if err := conn.SetSignals(changes); err != nil {
				fatal("%v", err)
			}
		}

		signals, err := conn.Signals()
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Modem signals for %s:\n\n", conn.Name())
		fmt.Printf("  DTR (Data Terminal Ready): %s\n", formatSignalState(signals.DTR))
		fmt.Printf("  RTS (Request To Send):     %s\n", formatSignalState(signals.RTS))
		fmt.Printf("  CTS (Clear To Send):       %s\n", formatSignalState(signals.CTS))
		fmt.Printf("  DSR (Data Set Ready):      %s\n", formatSignalState(signals.DSR))
		fmt.Printf("  RI  (Ring Indicator):      %s\n", formatSignalState(signals.RI))
		fmt.Printf("  CD  (Carrier Detect):      %s\n", formatSignalState(signals.CD))
		if signals.SendingBreak {
			fmt.Printf("\n  Break condition asserted\n")
		}
	},
}

func formatSignalState(state bool) string {
	if state {
		return "HIGH"
	}
	return "LOW"
}

func init() {
	rootCmd.AddCommand(signalsCmd)

	signalsCmd.Flags().Bool("dtr", false, "Set DTR high (true) or low (false)")
	signalsCmd.Flags().Bool("rts", false, "Set RTS high (true) or low (false)")
	signalsCmd.Flags().Bool("break", false, "Assert (true) or clear (false) a break condition")
}
