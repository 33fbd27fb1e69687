package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/wlantunnel/internal/core/tunnel"
	"github.com/vietddude/wlantunnel/internal/engine/dispatch"
	redisclient "github.com/vietddude/wlantunnel/internal/infra/redis"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show throttled sessions and tunnels of a running engine",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.Redis.URL == "" {
		return errors.New("status needs redis.url in the config")
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	store := redisclient.NewSnapshotStore(client)
	ctx := context.Background()

	var snaps []*dispatch.Snapshot
	for _, slot := range cfg.SlotIndexes() {
		snap, err := store.Load(ctx, slot)
		if errors.Is(err, redisclient.ErrNoSnapshot) {
			fmt.Fprintf(os.Stderr, "slot %d: no snapshot (engine not running?)\n", slot)
			continue
		}
		if err != nil {
			return err
		}
		snaps = append(snaps, snap)
	}
	printStatus(os.Stdout, snaps)
	return nil
}

func printStatus(out io.Writer, snaps []*dispatch.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SLOT\tAPN\tSTATE\tDETAIL\tFAILURES\tRETRY_IN")
	for _, snap := range snaps {
		for _, t := range snap.Tunnels {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t-\t-\n", snap.Slot, t.APN, t.State, tunnel.StateDescription(t.State))
		}
		for _, st := range snap.Throttled {
			retry := st.Remaining.Round(time.Second).String()
			if st.NoAutoRetry {
				retry += " (manual)"
			}
			_, _ = fmt.Fprintf(w, "%d\t%s\tthrottled\t%s\t%d\t%s\n", snap.Slot, st.APN, st.Error, st.Failures, retry)
		}
	}
	_ = w.Flush()
}
