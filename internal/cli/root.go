package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	okserial "github.com/egnor/ok-go-serial"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "okserial",
	Short: "Find, lock, and talk to serial port devices",
	Long: `okserial finds serial port devices by attribute matching, negotiates
access locks with other programs, and provides robust buffered I/O with
automatic reconnection when devices reset or re-enumerate.

Most commands take a match expression instead of a device path:
  okserial list
  okserial term name=*ttyUSB*
  okserial send "AT" vid=0403 --newline
  okserial watch serial_number=A6003xyz

A match expression is whitespace-separated terms, all of which must hold:
"attr=value" compares the named attribute (by prefix) against the whole
value, a bare value matches as a word anywhere, and ~/regex/ terms are
available. Values take * and ? wildcards and quotes, numbers match in any
base, and a leading ! inverts a term. Run "okserial list" to see the
attributes of connected devices.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.okserial.yaml)")
	rootCmd.PersistentFlags().IntP("baud", "b", 115200, "Baud rate")
	rootCmd.PersistentFlags().StringP("sharing", "s", "exclusive",
		"Port sharing mode: oblivious, polite, exclusive, stomp")
	rootCmd.PersistentFlags().String("lock-dir", okserial.DefaultLockDir,
		"Directory for port ownership markers")
	rootCmd.PersistentFlags().Duration("scan-interval", 500*time.Millisecond,
		"How often to re-scan for matching ports")
	rootCmd.PersistentFlags().CountP("verbose", "v",
		"Log progress to stderr (repeat for debug output)")

	viper.BindPFlag("baud", rootCmd.PersistentFlags().Lookup("baud"))
	viper.BindPFlag("sharing", rootCmd.PersistentFlags().Lookup("sharing"))
	viper.BindPFlag("lock_dir", rootCmd.PersistentFlags().Lookup("lock-dir"))
	viper.BindPFlag("scan_interval", rootCmd.PersistentFlags().Lookup("scan-interval"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".okserial")
	}

	viper.SetEnvPrefix("OKSERIAL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger builds a stderr logger at a level set by --verbose: warnings by
// default, info with -v, full debug with -vv.
func newLogger() *zap.SugaredLogger {
	level := zapcore.WarnLevel
	switch viper.GetInt("verbose") {
	case 0:
	case 1:
		level = zapcore.InfoLevel
	default:
		level = zapcore.DebugLevel
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	log, err := cfg.Build()
	cobra.CheckErr(err)
	return log.Sugar()
}

// portOptions translates the persistent flags into library options.
func portOptions(log *zap.SugaredLogger) ([]okserial.Option, error) {
	sharing, err := okserial.ParseSharing(viper.GetString("sharing"))
	if err != nil {
		return nil, err
	}
	return []okserial.Option{
		okserial.WithBaud(viper.GetInt("baud")),
		okserial.WithSharing(sharing),
		okserial.WithLockDir(viper.GetString("lock_dir")),
		okserial.WithScanInterval(viper.GetDuration("scan_interval")),
		okserial.WithLogger(log),
	}, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
