package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/eigerco/slotauction/internal/config"
	"github.com/eigerco/slotauction/internal/runtime"
	"github.com/eigerco/slotauction/pkg/log"
)

func leasesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leases",
		Short: "Print the persisted leases, funds and auction state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.FromContext(cmd.Context())
			if cfg == nil {
				return errors.New("no config found in context")
			}
			if cfg.DatabasePath == "" {
				return fmt.Errorf("%w: databasePath is required", config.ErrInvalidConfig)
			}
			r, err := openRuntime(cfg, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := r.Close(); err != nil {
					log.Root.Error().Err(err).Msg("close runtime")
				}
			}()
			return printState(cmd.OutOrStdout(), r)
		},
	}
}

func printState(out io.Writer, r *runtime.Runtime) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	r.View(func(m *runtime.Modules) {
		st := m.Auction.State()
		fmt.Fprintf(w, "auction\t%d\t%s\n", st.Index, st.Phase)

		fmt.Fprintln(w, "\nPARA\tLEASER\tFIRST\tLAST\tDEPOSIT")
		for _, l := range m.Leases.Leases() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", l.Para, l.Leaser, l.First, l.Last, l.Deposit)
		}

		fmt.Fprintln(w, "\nFUND\tSTATE\tRAISED\tCAP\tPERIODS\tEND")
		for _, f := range m.Crowdloan.Funds() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d..%d\t%d\n", f.Para, f.State, f.Raised, f.Cap, f.FirstPeriod, f.LastPeriod, f.EndBlock)
		}

		fmt.Fprintln(w, "\nSLOT\tKIND\tLEASES\tLAST")
		for _, s := range m.Slots.Slots() {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Para, s.Kind, s.LeaseCount, s.LastLease)
		}

		fmt.Fprintln(w, "\nACCOUNT\tFREE\tRESERVED")
		for _, a := range m.Currency.Accounts() {
			fmt.Fprintf(w, "%s\t%d\t%d\n", a, m.Currency.Free(a), m.Currency.Reserved(a))
		}
	})
	return w.Flush()
}
