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

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/infra/storage"
	"github.com/vietddude/wlantunnel/internal/infra/storage/postgres"
)

var (
	historySlot  int
	historyAPN   string
	historyKind  string
	historySince time.Duration
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tunnel outcomes from the database",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historySlot, "slot", -1, "only this slot (-1 for all)")
	historyCmd.Flags().StringVar(&historyAPN, "apn", "", "only this APN")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "only this outcome kind (setup_success, setup_failure, teardown, unsolicited_drop)")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only outcomes newer than this (e.g. 1h)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum rows")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		return errors.New("history needs database.url in the config")
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()

	filter := storage.OutcomeFilter{
		APN:   historyAPN,
		Kind:  domain.OutcomeKind(historyKind),
		Limit: historyLimit,
	}
	if historySlot >= 0 {
		filter.Slot = &historySlot
	}
	if historySince > 0 {
		filter.Since = time.Now().Add(-historySince)
	}

	outs, err := postgres.NewOutcomeRepo(db).List(ctx, filter)
	if err != nil {
		return err
	}
	printOutcomes(os.Stdout, outs)
	return nil
}

func printOutcomes(out io.Writer, outs []*domain.TunnelOutcome) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TIME\tSLOT\tAPN\tKIND\tERROR\tCAUSE\tRETRY\tDURATION")
	for _, o := range outs {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.CreatedAt.Format(time.RFC3339),
			o.Slot,
			o.APN,
			o.Kind,
			dash(o.Error),
			dash(o.FailCause),
			o.RetryDelay,
			o.Duration.Round(time.Millisecond),
		)
	}
	_ = w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
