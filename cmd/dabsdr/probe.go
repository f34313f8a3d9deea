package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoDAB/iiod"
	"github.com/rjboer/GoDAB/internal/sdr"
)

func newProbeCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe [uri]",
		Short: "Connect to an IIOD server and print the Pluto front-end state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uri := ""
			if len(args) == 1 {
				uri = args[0]
			} else {
				cfg, _, err := g.load()
				if err != nil {
					return err
				}
				uri = cfg.Pluto.URI
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return probe(ctx, cmd.OutOrStdout(), uri)
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Second, "overall probe deadline")
	return cmd
}

func probe(ctx context.Context, out io.Writer, uri string) error {
	addr := strings.TrimPrefix(uri, "ip:")
	client, err := iiod.Dial(ctx, addr)
	if err != nil {
		return &sdr.DeviceInitError{Stage: sdr.StageContext, Err: err}
	}
	defer client.Close()

	version, err := client.Version(ctx)
	if err != nil {
		return fmt.Errorf("iiod version: %w", err)
	}
	xctx, err := client.Context(ctx)
	if err != nil {
		return fmt.Errorf("iiod context: %w", err)
	}

	fmt.Fprintf(out, "uri:      %s\n", uri)
	fmt.Fprintf(out, "iiod:     %s\n", version)
	fmt.Fprintf(out, "context:  %s\n", xctx.Description)
	for _, d := range xctx.Devices {
		fmt.Fprintf(out, "device:   %-14s %s\n", d.ID, d.Name)
	}

	phy, ok := xctx.Device(sdr.PlutoPhyName)
	if !ok {
		fmt.Fprintf(out, "no %s device\n", sdr.PlutoPhyName)
		return nil
	}
	rows := []struct {
		label string
		attr  iiod.Attr
	}{
		{"rx_lo_hz", iiod.Attr{Device: phy.ID, Channel: "altvoltage0", Output: true, Name: "frequency"}},
		{"sample_rate", iiod.Attr{Device: phy.ID, Channel: "voltage0", Name: "sampling_frequency"}},
		{"rf_port", iiod.Attr{Device: phy.ID, Channel: "voltage0", Name: "rf_port_select"}},
		{"gain_mode", iiod.Attr{Device: phy.ID, Channel: "voltage0", Name: "gain_control_mode"}},
		{"gain_db", iiod.Attr{Device: phy.ID, Channel: "voltage0", Name: "hardwaregain"}},
		{"rssi_db", iiod.Attr{Device: phy.ID, Channel: "voltage0", Name: "rssi"}},
		{"temp_mc", iiod.Attr{Device: phy.ID, Channel: "temp0", Name: "input"}},
	}
	for _, row := range rows {
		v, err := client.ReadAttr(ctx, row.attr)
		if err != nil {
			v = "unavailable"
		}
		fmt.Fprintf(out, "%-12s %s\n", row.label+":", strings.TrimSpace(v))
	}
	return nil
}
