// tcmufile attaches a single regular file to the kernel as a TCMU-backed
// SCSI block device, using blockdev.File as the backing store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	tcmu "github.com/target-storage/go-tcmu-raid0"
	"github.com/target-storage/go-tcmu-raid0/blockdev"
	"github.com/target-storage/go-tcmu-raid0/metrics"
)

var cli struct {
	Path      string `arg:"" help:"Path to the backing file to attach."`
	BlockSize uint32 `help:"Block size in bytes." default:"512"`
	DevPath   string `help:"Directory TCMU creates the device node under." default:"/dev/tcmufile"`
	Debug     bool   `help:"Enable debug logging."`
}

func main() {
	kong.Parse(&cli, kong.Description("Attach a single file to the kernel as a TCMU block device."))

	if cli.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	ctx := context.Background()
	dev := blockdev.NewFile(cli.Path, cli.BlockSize, 0)
	if err := dev.Open(ctx); err != nil {
		die("couldn't open %s: %v", cli.Path, err)
	}
	defer dev.Close(ctx)

	handler, err := tcmu.NewSCSIHandler(filepath.Base(cli.Path), dev, nil, metrics.New(nil))
	if err != nil {
		die("couldn't build SCSI handler: %v", err)
	}

	d, err := tcmu.OpenTCMUDevice(cli.DevPath, handler)
	if err != nil {
		die("couldn't attach to tcmu: %v", err)
	}
	defer d.Close()
	fmt.Printf("go-tcmu-raid0 attached %s to %s/%s\n", cli.Path, cli.DevPath, handler.VolumeName)

	waitForInterrupt()
}

func waitForInterrupt() {
	mainClose := make(chan bool)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)
	go func() {
		for range signalChan {
			fmt.Println("\nreceived an interrupt, stopping services...")
			close(mainClose)
		}
	}()
	<-mainClose
}

func die(why string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, why+"\n", args...)
	os.Exit(1)
}
