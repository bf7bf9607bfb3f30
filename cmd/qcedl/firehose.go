package main

import (
	"strconv"

	"github.com/google/uuid"
	"github.com/msmtools/qcedl/pkg/edlerr"
	"github.com/msmtools/qcedl/pkg/firehose"
	"github.com/msmtools/qcedl/pkg/tasks"
	"github.com/spf13/cobra"
)

var (
	powerValue    string
	partitionUID  string
	partitionName string
	partitionLun  uint32
)

func parseLun(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, edlerr.Errorf(edlerr.UserInput, "flags", "invalid LUN %q", s)
	}
	return uint32(n), nil
}

var loadCmd = &cobra.Command{
	Use:   "firehose-load",
	Short: "Upload the programmer and leave it running",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := sessionOptions(true)
		if err != nil {
			return err
		}
		return tasks.Load(o)
	},
}

var resetCmd = &cobra.Command{
	Use:   "firehose-reset",
	Short: "Upload the programmer and reset the device",
	Long:  "Upload the programmer and send a power command. --power picks reset, off, reset_to_edl, warm_reset or shutdown_after_reset.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := sessionOptions(true)
		if err != nil {
			return err
		}
		value, err := firehose.ParsePowerValue(powerValue)
		if err != nil {
			return edlerr.New(edlerr.UserInput, "flags", err)
		}
		return tasks.Reset(o, value)
	},
}

var storageInfoCmd = &cobra.Command{
	Use:   "firehose-readstorageinfo",
	Short: "Print LUN geometry and partition tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := sessionOptions(true)
		if err != nil {
			return err
		}
		o.Out = cmd.OutOrStdout()
		return tasks.ReadStorageInfo(o)
	},
}

var dumpStorageCmd = &cobra.Command{
	Use:   "firehose-dumpstorage [outdir]",
	Short: "Dump every LUN to outdir/LUN<n>.img",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := sessionOptions(true)
		if err != nil {
			return err
		}
		return tasks.DumpStorage(o, args[0])
	},
}

var dumpStorageLunCmd = &cobra.Command{
	Use:   "firehose-dumpstoragelun [outdir] [lun]",
	Short: "Dump one LUN to outdir/LUN<lun>.img",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := sessionOptions(true)
		if err != nil {
			return err
		}
		lun, err := parseLun(args[1])
		if err != nil {
			return err
		}
		return tasks.DumpStorageLun(o, args[0], lun)
	},
}

var dumpPartitionCmd = &cobra.Command{
	Use:   "firehose-dumppartition [outfile]",
	Short: "Dump one partition, found by --uid or by --name and --lun",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := sessionOptions(true)
		if err != nil {
			return err
		}
		switch {
		case partitionUID != "" && partitionName != "":
			return edlerr.Errorf(edlerr.UserInput, "flags", "--uid and --name are exclusive")
		case partitionUID != "":
			uid, err := uuid.Parse(partitionUID)
			if err != nil {
				return edlerr.New(edlerr.UserInput, "flags", err)
			}
			return tasks.DumpPartitionByUID(o, uid, args[0])
		case partitionName != "":
			if !cmd.Flags().Changed("lun") {
				return edlerr.Errorf(edlerr.UserInput, "flags", "--name needs --lun")
			}
			return tasks.DumpPartitionByName(o, partitionName, partitionLun, args[0])
		}
		return edlerr.Errorf(edlerr.UserInput, "flags", "one of --uid or --name is required")
	},
}

func init() {
	resetCmd.Flags().StringVar(&powerValue, "power", string(firehose.PowerReset), "Power action.")
	dumpPartitionCmd.Flags().StringVar(&partitionUID, "uid", "", "Unique GUID of the partition.")
	dumpPartitionCmd.Flags().StringVar(&partitionName, "name", "", "Partition name, case insensitive.")
	dumpPartitionCmd.Flags().Uint32Var(&partitionLun, "lun", 0, "LUN holding the partition named by --name.")

	rootCmd.AddCommand(loadCmd, resetCmd, storageInfoCmd, dumpStorageCmd, dumpStorageLunCmd, dumpPartitionCmd)
}
