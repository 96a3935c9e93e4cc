package cli

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	okserial "github.com/egnor/ok-go-serial"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send [data] <match>",
	Short: "Send data to a serial port",
	Long: `Send data to the serial port matching an expression.

Data can be provided as a command line argument, piped via stdin, or typed
at an interactive prompt:
  okserial send "Hello World" name=*ttyUSB0
  okserial send "AT+GMR" vid=0403 --newline
  echo "test" | okserial send vid=0403
  okserial send vid=0403    # prompts for input

The command waits for the output buffer to drain (up to --timeout) before
closing, so the bytes are actually on the wire when it exits.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		var data, expr string
		if len(args) == 1 {
			expr = args[0]
			data = readStdinOrPrompt()
		} else {
			data = args[0]
			expr = args[1]
		}

		addNewline, _ := cmd.Flags().GetBool("newline")
		hexMode, _ := cmd.Flags().GetBool("hex")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		payload := []byte(data)
		if hexMode {
			decoded, err := parseHexString(data)
			if err != nil {
				fatal("invalid hex data: %v", err)
			}
			payload = decoded
		} else if addNewline {
			payload = append(payload, '\n')
		}

		log := newLogger()
		defer log.Sync()
		opts, err := portOptions(log)
		if err != nil {
			fatal("%v", err)
		}

		conn, err := okserial.OpenMatching(expr, opts...)
		if err != nil {
			fatal("%v", err)
		}
		defer conn.Close()

		if err := conn.Write(payload); err != nil {
			fatal("%v", err)
		}
		ok, err := conn.DrainSync(timeout)
		if err != nil {
			fatal("%v", err)
		}
		if !ok {
			fatal("timed out with %d bytes unsent", conn.OutgoingSize())
		}
		fmt.Printf("Sent %d bytes to %s\n", len(payload), conn.Name())
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().BoolP("newline", "n", false, "Append a newline to the data")
	sendCmd.Flags().BoolP("hex", "x", false, "Interpret data as hex bytes (e.g. \"48 65 6c 6c 6f\")")
	sendCmd.Flags().DurationP("timeout", "t", 5*time.Second, "How long to wait for transmission")
}

// readStdinOrPrompt reads piped stdin data, or prompts interactively when
// stdin is a terminal.
func readStdinOrPrompt() string {
	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal("reading stdin: %v", err)
		}
		return strings.TrimRight(string(data), "\r\n")
	}

	fmt.Print("Data to send: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fatal("reading input: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// parseHexString decodes hex digits, ignoring whitespace and ":" separators.
func parseHexString(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', ':':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(clean)
}
