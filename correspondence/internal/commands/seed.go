package commands

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/courier-systems/courier-stack/correspondence/internal/seed"
	"github.com/spf13/cobra"
)

func newSeedCommand(o *options) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create development fixtures (in-memory mode only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}
			ctx, cancel := o.context(cmd)
			defer cancel()
			var summary seed.Summary
			path := "/admin/seed?count=" + strconv.Itoa(count)
			if err := o.client().Do(ctx, "seed", http.MethodPost, path, nil, &summary); err != nil {
				return fmt.Errorf("seeding failed: %w", err)
			}
			return render(cmd.OutOrStdout(), o.output, summary, func(w io.Writer) {
				fmt.Fprintf(w, "✓ created %d correspondences, %d attachments, %d notifications\n",
					summary.Correspondences, summary.Attachments, summary.Notifications)
				for _, id := range summary.IDs {
					fmt.Fprintf(w, "  %s\n", id)
				}
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 10, "number of correspondences to create")
	return cmd
}
