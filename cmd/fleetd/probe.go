package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/internal/hostprobe"
)

func init() {
	rootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe <host-id>",
	Short: "Ping a host, run a test command on it and record its status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(c.AppConf)
		if err != nil {
			return err
		}
		defer e.Close()

		rep, err := probeAndRecord(cmd.Context(), e, args[0], time.Now().UTC())
		if err != nil {
			return err
		}
		if err := printJSON(rep); err != nil {
			return err
		}
		if !rep.Connected {
			return fmt.Errorf("host %s unreachable: %s", rep.HostID, rep.Error)
		}
		return nil
	},
}

func probeAndRecord(ctx context.Context, e *engine, hostID string, at time.Time) (hostprobe.Report, error) {
	h, err := e.Store.GetHost(ctx, hostID)
	if err != nil {
		return hostprobe.Report{}, err
	}
	rep := e.Prober.Probe(ctx, h)
	if err := e.Store.SetHostStatus(ctx, h.ID, rep.Status(), at); err != nil {
		return rep, err
	}
	return rep, nil
}
