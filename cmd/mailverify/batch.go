package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/optimode/mailverify"
	"github.com/optimode/mailverify/types"
)

var (
	batchConcurrency int
	batchTimeout     time.Duration
	batchOutput      string
)

func init() {
	f := batchCmd.Flags()
	f.IntVar(&batchConcurrency, "concurrency", 0, "parallel workers (default max_workers)")
	f.DurationVar(&batchTimeout, "timeout", 0, "per-address probe timeout (default probe_timeout_seconds)")
	f.StringVarP(&batchOutput, "output", "o", "", "write one JSON record per address to this file")
	rootCmd.AddCommand(batchCmd)
}

var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Validate a list of addresses, one per line (- reads stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addresses, err := readAddresses(args[0])
		if err != nil {
			return err
		}
		e, log, err := openEngine(nil)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		id, err := e.SubmitBatch(ctx, addresses, batchConcurrency, batchTimeout)
		if err != nil {
			return err
		}
		log.Info().Str("job_id", id).Int("addresses", len(addresses)).Msg("job submitted")

		final, err := follow(ctx, e, id, os.Stderr)
		if err != nil {
			return err
		}
		printCounts(os.Stdout, final)
		if final.Status == types.StatusFailed {
			return fmt.Errorf("job %s failed: %s", id, final.Error)
		}
		if batchOutput != "" {
			return writeRecords(context.WithoutCancel(ctx), e, addresses, batchOutput)
		}
		return nil
	},
}

// follow prints progress until the job ends. An interrupt cancels the job
// and keeps following until it has stopped.
func follow(ctx context.Context, e *mailverify.Engine, id string, w io.Writer) (mailverify.Progress, error) {
	updates, err := e.SubscribeProgress(context.WithoutCancel(ctx), id)
	if err != nil {
		return mailverify.Progress{}, err
	}
	interrupted := ctx.Done()
	var last mailverify.Progress
	for {
		select {
		case p, ok := <-updates:
			if !ok {
				return last, nil
			}
			last = p
			fmt.Fprintf(w, "\r%-8s %6.2f%%  %d/%d  eta %s   ", p.Phase, p.Percent, p.Done, p.Total,
				(time.Duration(p.ETASeconds) * time.Second).String())
			if p.Status.Terminal() {
				fmt.Fprintln(w)
			}
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(w, "\ncancelling...")
			if err := e.Cancel(id); err != nil && !errors.Is(err, mailverify.ErrNotRunning) {
				return last, err
			}
		}
	}
}

func printCounts(w io.Writer, p mailverify.Progress) {
	fmt.Fprintf(w, "job %s %s\n", p.JobID, p.Status)
	for _, b := range types.Buckets {
		fmt.Fprintf(w, "%-10s %d\n", b, p.Counts[b])
	}
}

func readAddresses(path string) ([]string, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: no addresses", path)
	}
	return out, nil
}

// writeRecords dumps the stored record of every address in input order.
// Addresses that were never recorded (syntax failures) are written as-is.
func writeRecords(ctx context.Context, e *mailverify.Engine, addresses []string, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, addr := range addresses {
		rec, err := e.Lookup(ctx, addr)
		switch {
		case errors.Is(err, mailverify.ErrRecordNotFound):
			rec = mailverify.EmailRecord{Address: addr}
		case err != nil:
			_ = f.Close()
			return err
		}
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
