package app

import (
	"fmt"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/zlseong/vmg/cmd/vmg-gateway/app/options"
	"github.com/zlseong/vmg/internal/partition"
	"github.com/zlseong/vmg/internal/pkgfile"
	"github.com/zlseong/vmg/pkg/log"
)

// newStatusCommand prints the partition and boot state as a table. It is
// meant for operators on the serial console, not for machines; those use
// the diagnostics HTTP endpoint.
func newStatusCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show partition and boot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			log.Init(opts.Log)

			pm := partition.NewManager(cfg.Partition)
			if err := pm.Initialize(); err != nil {
				return err
			}

			status := pm.Status()
			table := uitable.New()
			table.AddRow("PARTITION", "STATE", "BOOT TARGET", "VERSION", "SIZE")
			for _, id := range []partition.ID{partition.A, partition.B} {
				target := ""
				if pm.Active() == id {
					target = "*"
				}

				version, size := "-", "-"
				if meta, err := pm.ReadMetadata(id); err == nil {
					version = pkgfile.FormatVersionString(meta.FirmwareVersion)
					size = fmt.Sprintf("%d", meta.TotalSize)
				}

				table.AddRow(id.String(), pm.StateOf(id).String(), target, version, size)
			}

			fmt.Fprintln(cmd.OutOrStdout(), table)
			fmt.Fprintf(cmd.OutOrStdout(), "\nBoot count: %d\n", status.BootCount)
			return nil
		},
	}
}
