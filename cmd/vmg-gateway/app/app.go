package app

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zlseong/vmg/cmd/vmg-gateway/app/options"
	"github.com/zlseong/vmg/internal/gateway"
	"github.com/zlseong/vmg/pkg/log"
)

const commandDesc = `The VMG gateway bridges the OEM OTA backend and the in-vehicle Zone
Gateways: it reports vehicle configuration and readiness, receives update
campaigns over MQTT, distributes zone packages over DoIP/UDS, and manages
the dual-partition self-update of the gateway itself.`

// NewCommand builds the vmg-gateway command tree.
func NewCommand() *cobra.Command {
	opts := options.NewOptions()

	cmd := &cobra.Command{
		Use:           "vmg-gateway",
		Short:         "Vehicle Mobile Gateway OTA daemon",
		Long:          commandDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	opts.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	return cmd
}

func newRunCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, loader, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			log.Init(opts.Log)

			g, err := gateway.New(cfg, loader)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return g.Run(ctx)
		},
	}
}
