package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjboer/GoDAB/internal/mdns"
)

func newDiscoverCmd(g *globalOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse the local network for IIOD servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			logger, err := g.logger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			hosts, err := mdns.DiscoverIIOD(cmd.Context(), timeout, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hosts) == 0 {
				fmt.Fprintln(out, "no IIOD servers found")
				return nil
			}
			for _, h := range hosts {
				fmt.Fprintf(out, "%-24s %-28s %s\n", h.Instance, h.URI(), strings.Join(h.TXT, " "))
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "how long to browse")
	return cmd
}
