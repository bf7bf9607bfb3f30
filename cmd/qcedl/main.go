// Command qcedl talks to Qualcomm devices in Emergency Download mode: it
// uploads a Firehose programmer, reads the storage layout and dumps LUNs
// or single partitions to image files.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/config"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/tasks"
	"github.com/spf13/cobra"
)

var (
	devicePath  string
	programmer  string
	storageName string
	verbose     bool
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:           "qcedl",
	Short:         "Qualcomm EDL (Sahara/Firehose) host tool",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&devicePath, "device", "usb", "Device to open: usb, usb:BUS:ADDR, serial:/dev/ttyUSB0 or unix:/path/to/edlsim.sock.")
	pf.StringVarP(&programmer, "programmer", "p", "", "Path to the Firehose programmer (.elf or .mbn).")
	pf.StringVarP(&storageName, "storage", "s", "UFS", "Storage type: UFS, SPINOR, eMMC, NAND or SD.")
	pf.BoolVar(&verbose, "verbose", false, "Ask the programmer for verbose logs and print them.")
	pf.StringVar(&configPath, "config", "", "JSON file with session settings.")
	pf.AddGoFlagSet(flag.CommandLine)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return cfg, edlerr.New(edlerr.UserInput, "config", err)
	}
	return cfg, nil
}

// sessionOptions collects the global flags for a task.
func sessionOptions(needProgrammer bool) (tasks.Options, error) {
	cfg, err := loadConfig()
	if err != nil {
		return tasks.Options{}, err
	}
	storage, err := firehose.ParseStorageType(storageName)
	if err != nil {
		return tasks.Options{}, edlerr.New(edlerr.UserInput, "flags", err)
	}
	if needProgrammer && programmer == "" {
		return tasks.Options{}, edlerr.Errorf(edlerr.UserInput, "flags", "--programmer is required")
	}
	return tasks.Options{
		Device:     devicePath,
		Programmer: programmer,
		Storage:    storage,
		Verbose:    verbose,
		Config:     cfg,
	}, nil
}

// exitCode maps an error kind to the process exit status.
func exitCode(err error) int {
	switch edlerr.KindOf(err) {
	case edlerr.UserInput:
		return 2
	case edlerr.Denied:
		return 3
	case edlerr.Integrity:
		return 4
	case edlerr.Transport:
		return 5
	}
	return 1
}

func main() {
	// Log to stderr unless told otherwise.
	flag.Set("logtostderr", "true")
	// glog complains about logging before flag.Parse. Its flags are
	// parsed by cobra through the persistent flag set.
	flag.CommandLine.Parse(nil)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "qcedl: %v\n", err)
		os.Exit(exitCode(err))
	}
}
