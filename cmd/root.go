package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/homa/cmd/send"
	"github.com/ValentinKolb/homa/cmd/serve"
	"github.com/ValentinKolb/homa/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "homa",
		Short: "receiver-driven datagram RPC transport",
		Long: fmt.Sprintf(`homa (v%s)

A receiver-driven RPC transport over UDP written in Go. Receivers grant
bandwidth to the messages with the fewest bytes left, senders pace large
messages at link rate, and a timer recovers lost packets.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of homa",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("homa v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(send.SendCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
