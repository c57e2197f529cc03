package commands

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/repair"
	"github.com/spf13/cobra"
)

func newRepairCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Run a repair scan now instead of waiting for its timer",
	}
	cmd.AddCommand(
		newRepairCheckCommand(o, "notifications", "Queue delivery checks for notifications without a recorded delivery", true),
		newRepairCheckCommand(o, "publishes", "Queue publish jobs for correspondences stuck in ReadyForPublish", true),
		newRepairCheckCommand(o, "expiry", "Queue expiry for attachments past their expiration time", false),
	)
	return cmd
}

func newRepairCheckCommand(o *options, check, short string, aged bool) *cobra.Command {
	var (
		batchSize int
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   check,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if batchSize > 0 {
				q.Set("batch_size", strconv.Itoa(batchSize))
			}
			if olderThan > 0 {
				q.Set("older_than", olderThan.String())
			}
			path := "/admin/repair/" + check
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			ctx, cancel := o.context(cmd)
			defer cancel()
			var report repair.Report
			if err := o.client().Do(ctx, "repair_"+check, http.MethodPost, path, nil, &report); err != nil {
				return fmt.Errorf("repair %s failed: %w", check, err)
			}
			return render(cmd.OutOrStdout(), o.output, report, func(w io.Writer) {
				t := newTable("CHECK", "SCANNED", "SATISFIED", "ENQUEUED", "DEDUPLICATED", "FAILED")
				t.addRow(
					report.Check,
					strconv.Itoa(report.Scanned),
					strconv.Itoa(report.Satisfied),
					strconv.Itoa(report.Enqueued),
					strconv.Itoa(report.Deduplicated),
					strconv.Itoa(report.Failed),
				)
				t.render(w)
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per page (server default when 0)")
	if aged {
		cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only consider rows older than this (server default when 0)")
	}
	return cmd
}
