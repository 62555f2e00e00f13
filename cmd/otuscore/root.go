// Package main implements the otuscore CLI using the cobra framework.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/firestige/otuscore/internal/config"
	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/dissect/builtin"
	"github.com/firestige/otuscore/internal/hostbridge"
	"github.com/firestige/otuscore/internal/session"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "otuscore",
	Short:   "otuscore - concurrent packet capture and filtering engine",
	Version: "0.1.0",
	Long: `otuscore captures network traffic, dissects it into protocol layers,
reassembles byte streams per flow, and exposes sequence-ordered filtered
views over the result through an in-process session facade.`,
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Execute adds all child commands and runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults built in, overridable via OTUSCORE_* env vars)")

	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(permissionCmd)
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Start a capture session and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		demo := []dissect.Dissector{
			builtin.Ethernet{Namespace: cfg.Namespace},
			builtin.IPv4{Namespace: cfg.Namespace},
		}
		sess := session.New(cfg, demo, []dissect.StreamDissector{})
		sess.SetStatusCallback(func(st hostbridge.Status) {
			fmt.Printf("capturing=%t packets=%d filtered=%v\n", st.Capturing, st.Packets, st.Filtered)
		})
		sess.SetLogCallback(func(m hostbridge.LogMessage) {
			fmt.Printf("log domain=%s resource=%s: %s\n", m.Domain, m.ResourceName, m.Message)
		})
		if err := sess.Start(); err != nil {
			return err
		}
		defer sess.Destroy()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-sigCh:
				return sess.Stop()
			case <-ticker.C:
				sess.ServiceStatus()
				sess.ServiceLogs()
			}
		}
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List capturable network interfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := session.Devices()
		if err != nil {
			return err
		}
		for _, d := range devs {
			fmt.Printf("%s\t%s\n", d.Name, d.Description)
		}
		return nil
	},
}

var permissionCmd = &cobra.Command{
	Use:   "permission",
	Short: "Check whether this process can open a capture device",
	Run: func(cmd *cobra.Command, args []string) {
		if session.Permission() {
			fmt.Println("ok")
			return
		}
		fmt.Println("denied")
		os.Exit(1)
	},
}
