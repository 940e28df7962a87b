// Command umsdev runs a simulated USB mass-storage-key device over the
// FIFO hardware abstraction layer, for exercising the stack without real
// USB controller hardware.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cowstick/ums/device"
	"github.com/cowstick/ums/device/class/msc"
	"github.com/cowstick/ums/device/hal/fifo"
	"github.com/cowstick/ums/pkg"
)

const component = pkg.ComponentDevice

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		diskSize uint64
		serial   string
		verbose  bool
		jsonLog  bool
	)

	cmd := &cobra.Command{
		Use:   "umsdev <bus-dir>",
		Short: "Run a simulated USB mass-storage device",
		Long: "umsdev exposes a single-LUN USB mass-storage key over the FIFO\n" +
			"simulated transport, implementing the Bulk-Only Transport state\n" +
			"machine and the SCSI command subset a real host expects of a disk.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevice(cmd.Context(), args[0], diskSize, serial, verbose, jsonLog)
		},
	}

	cmd.Flags().Uint64Var(&diskSize, "size", 8*1024*1024, "disk size in bytes")
	cmd.Flags().StringVar(&serial, "serial", "0123456789AB", "unit serial number reported via INQUIRY EVPD page 0x80")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	cmd.Flags().BoolVar(&jsonLog, "json", false, "emit structured JSON logs")

	return cmd
}

func runDevice(ctx context.Context, busDir string, diskSize uint64, serial string, verbose, jsonLog bool) error {
	if verbose {
		pkg.SetLogLevel(slog.LevelDebug)
	}
	if jsonLog {
		pkg.SetLogFormat(pkg.LogFormatJSON)
	}

	storage := msc.NewMemoryStorage(diskSize, msc.DefaultBlockSize)
	lun := msc.NewLun(storage, "cowstick", "USB Flash Key", "1.0")
	lun.SerialASCII = serial
	lun.Permissions = msc.PermDiagBuffer

	pkg.LogInfo(component, "creating MSC device",
		"size", diskSize, "blockSize", storage.BlockSize(), "blocks", storage.BlockCount())

	disk := msc.NewMultiLUN(lun)

	transport := fifo.New(busDir)

	builder := device.NewDeviceBuilder().
		WithVendorProduct(0x3608, 0xC720).
		WithStrings("cowstick", "Mass Storage Key", serial).
		AddConfiguration(1)
	disk.ConfigureDevice(builder, 0x81, 0x02)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		pkg.LogInfo(component, "shutting down")
		cancel()
	}()

	dev, err := builder.Build(ctx)
	if err != nil {
		return fmt.Errorf("build device: %w", err)
	}

	if err := disk.AttachToInterface(dev, 1, 0); err != nil {
		return fmt.Errorf("attach MSC driver: %w", err)
	}

	stack := device.NewStack(dev, transport)
	disk.SetStack(stack)

	pkg.LogInfo(component, "starting device stack", "busDir", busDir)
	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("start stack: %w", err)
	}
	defer stack.Stop()

	pkg.LogInfo(component, "waiting for host connection")
	if err := stack.WaitConnect(ctx); err != nil {
		return fmt.Errorf("wait connect: %w", err)
	}

	pkg.LogInfo(component, "host connected, running MSC protocol")
	if err := disk.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("MSC run: %w", err)
	}

	pkg.LogInfo(component, "device stopped")
	return nil
}
