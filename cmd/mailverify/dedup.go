package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	dedupCmd.AddCommand(dedupStatsCmd, dedupCheckCmd, dedupForgetCmd)
	rootCmd.AddCommand(dedupCmd)
}

var dedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Inspect and maintain the deduplication store",
}

var dedupStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print deduplication statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer e.Close()

		st, err := e.DedupStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("unique addresses:     %d\n", st.TotalUnique)
		fmt.Printf("sessions:             %d\n", st.TotalSessions)
		fmt.Printf("duplicates prevented: %d\n", st.TotalDuplicatesPrevented)
		return nil
	},
}

var dedupCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Split a list into new and already seen addresses and record it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addresses, err := readAddresses(args[0])
		if err != nil {
			return err
		}
		e, _, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer e.Close()

		p, err := e.CheckDuplicates(cmd.Context(), addresses)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var dedupForgetCmd = &cobra.Command{
	Use:   "forget <address>...",
	Short: "Remove addresses from the deduplication store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Forget(cmd.Context(), args)
		if err != nil {
			return err
		}
		fmt.Printf("forgot %d of %d addresses\n", n, len(args))
		return nil
	},
}
