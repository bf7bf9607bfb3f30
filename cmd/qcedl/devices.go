package main

import (
	"fmt"

	"github.com/golang/glog"
	"github.com/msmtools/qcedl/pkg/device"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/rig"
	"github.com/spf13/cobra"
)

var listDevicesCmd = &cobra.Command{
	Use:   "list-devices",
	Short: "List devices in EDL mode",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devs, err := device.FindEDLDevices()
		if err != nil {
			return edlerr.New(edlerr.Transport, "list devices", err)
		}
		if len(devs) == 0 {
			glog.Info("No device in EDL mode found")
			return nil
		}
		for _, d := range devs {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		return nil
	},
}

var rigEnterEDLCmd = &cobra.Command{
	Use:   "rig-enter-edl",
	Short: "Force a bench device into EDL with the GPIO lines from the config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		r, err := rig.Open(cfg.Rig)
		if err != nil {
			return edlerr.New(edlerr.UserInput, "rig", err)
		}
		return r.EnterEDL()
	},
}

func init() {
	rootCmd.AddCommand(listDevicesCmd, rigEnterEDLCmd)
}
