package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var checkTimeout time.Duration

func init() {
	checkCmd.Flags().DurationVar(&checkTimeout, "timeout", 0, "probe timeout (default probe_timeout_seconds)")
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check <address>...",
	Short: "Validate addresses one by one and print the results as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, _, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer e.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, addr := range args {
			res, err := e.ValidateOne(cmd.Context(), addr, checkTimeout)
			if err != nil && res.Email == "" {
				return fmt.Errorf("%s: %w", addr, err)
			}
			if err := enc.Encode(res); err != nil {
				return err
			}
		}
		return nil
	},
}

