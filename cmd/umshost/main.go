// Command umshost drives the FIFO simulated USB host side against a
// umsdev instance, enumerating it and confirming it exposes a mass
// storage interface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cowstick/ums/device/class/msc"
	"github.com/cowstick/ums/host"
	"github.com/cowstick/ums/host/hal/fifo"
	"github.com/cowstick/ums/pkg"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		hotplugLimit int
		enumTimeout  time.Duration
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "umshost <bus-dir>",
		Short: "Enumerate a simulated USB mass-storage device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				pkg.SetLogLevel(slog.LevelDebug)
			}
			return runHost(cmd.Context(), args[0], hotplugLimit, enumTimeout)
		},
	}

	cmd.Flags().IntVar(&hotplugLimit, "hotplug-limit", 1, "number of devices to service before exiting")
	cmd.Flags().DurationVar(&enumTimeout, "enum-timeout", 10*time.Second, "timeout waiting for a device to enumerate")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	return cmd
}

func runHost(ctx context.Context, busDir string, hotplugLimit int, enumTimeout time.Duration) error {
	transport := fifo.NewHostHAL(busDir)
	usbHost := host.New(transport)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("shutting down...")
		cancel()
	}()

	if err := usbHost.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer usbHost.Stop()

	serviced := 0
	for serviced < hotplugLimit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fmt.Println("waiting for device connection...")
		enumCtx, enumCancel := context.WithTimeout(ctx, enumTimeout)
		dev, err := usbHost.WaitDevice(enumCtx)
		enumCancel()
		if err != nil {
			return fmt.Errorf("wait device: %w", err)
		}

		fmt.Printf("device connected: vendor=0x%04X product=0x%04X serial=%s\n",
			dev.VendorID(), dev.ProductID(), dev.SerialNumber())

		if !isMSCDevice(dev) {
			fmt.Println("not an MSC device, skipping")
			continue
		}
		fmt.Println("MSC interface detected")
		serviced++
	}

	fmt.Printf("serviced %d device(s)\n", serviced)
	return nil
}

func isMSCDevice(dev *host.Device) bool {
	for _, iface := range dev.Interfaces() {
		if iface.InterfaceClass == msc.ClassMSC {
			return true
		}
	}
	return false
}
