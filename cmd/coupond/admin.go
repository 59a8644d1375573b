package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"coupon-gateway/coupon/domain"
	"coupon-gateway/coupon/infra"

	"github.com/spf13/cobra"
)

var statsFlags struct {
	owner string
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print global (or per-owner) counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if statsFlags.owner != "" {
			st, err := a.svc.OwnerStats(cmd.Context(), statsFlags.owner)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "owner:         %s\n", st.OwnerID)
			fmt.Fprintf(out, "issued:        %d\n", st.Issued)
			fmt.Fprintf(out, "remaining:     %d\n", st.Remaining)
			fmt.Fprintf(out, "limit:         %d\n", st.Limit)
			fmt.Fprintf(out, "limit reached: %v\n", st.LimitReached)
			return nil
		}

		st, err := a.svc.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "issued:          %d\n", st.Issued)
		fmt.Fprintf(out, "remaining:       %d\n", st.Remaining)
		fmt.Fprintf(out, "limit:           %d\n", st.Limit)
		fmt.Fprintf(out, "per-owner limit: %d\n", st.OwnerLimit)
		fmt.Fprintf(out, "limit reached:   %v\n", st.LimitReached)

		if !a.cfg.Events.Redis || a.rdb == nil {
			return nil
		}
		events := infra.NewRedisEventStore(a.rdb, infra.WithEventPrefix(a.cfg.Events.Prefix))
		totals, err := events.Totals(cmd.Context())
		if err != nil {
			return err
		}
		names := make([]string, 0, len(totals))
		for name := range totals {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "\nevents:")
		for _, name := range names {
			fmt.Fprintf(out, "  %-24s %d\n", name, totals[name])
		}
		return nil
	},
}

var resetFlags struct {
	yes bool
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the global counter, all owner and issued counters and all used markers",
	Long: `Delete the global counter, all owner and issued counters and all used markers.

Used markers are deleted too, so tokens already redeemed and still within
their TTL become redeemable again. The SQLite journal (if configured) is
truncated as well. Requires --yes.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !resetFlags.yes {
			return errors.New("refusing to reset without --yes")
		}
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.svc.Reset(cmd.Context())
		if err != nil {
			return err
		}
		if a.journal != nil {
			if err := a.journal.Truncate(cmd.Context()); err != nil {
				return fmt.Errorf("counters reset (%d keys) but journal truncate failed: %w", n, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys\n", n)
		return nil
	},
}

var reconcileFlags struct {
	apply bool
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Find and release owner slots held without a token",
	Long: `Compare every owner's reserved slots (owner_counter) with the tokens actually
issued to that owner (owner_issued). Both live in the shared store, and
owner_issued only moves in the same commit as the global counter.

Reserved above issued means slots are held without a token: an issuance still
in flight, or a crash between the owner and the global phase. With --apply
those slots are released with a conditional write. An issuance still in
flight that loses its slot fails with a retryable contention error and no
token, so no owner ever goes above its limit. Prefer low traffic for --apply.

If events.journal_path is set, the SQLite journal count is shown too. The
journal is per instance and best effort, so it is informational only and
never decides what is released.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := loadApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		var journal domain.Journal
		if a.journal != nil {
			journal = a.journal
		}
		drifts, err := a.svc.Reconcile(cmd.Context(), journal, reconcileFlags.apply)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(drifts) == 0 {
			fmt.Fprintln(out, "no drift")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OWNER\tRESERVED\tISSUED\tJOURNAL\tRELEASED")
		for _, d := range drifts {
			journaled := "-"
			if journal != nil {
				journaled = strconv.FormatInt(d.Journal, 10)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%d\n", d.OwnerID, d.Reserved, d.Issued, journaled, d.Released)
		}
		return tw.Flush()
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsFlags.owner, "owner", "", "print counters for this owner")
	resetCmd.Flags().BoolVar(&resetFlags.yes, "yes", false, "confirm the reset")
	reconcileCmd.Flags().BoolVar(&reconcileFlags.apply, "apply", false, "release slots reserved without a token")

	rootCmd.AddCommand(statsCmd, resetCmd, reconcileCmd)
}
