package commands

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/courier-systems/courier-stack/correspondence/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// jobView is a job as printed by corrctl.
type jobView struct {
	ID          uuid.UUID  `json:"id" yaml:"id"`
	Type        string     `json:"type" yaml:"type"`
	Status      string     `json:"status" yaml:"status"`
	Origin      string     `json:"origin,omitempty" yaml:"origin,omitempty"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	MaxAttempts int        `json:"max_attempts" yaml:"max_attempts"`
	RunAt       time.Time  `json:"run_at" yaml:"run_at"`
	Payload     string     `json:"payload" yaml:"payload"`
	LastError   string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

func toJobView(j models.Job) jobView {
	return jobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      string(j.Status),
		Origin:      j.Origin,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		RunAt:       j.RunAt,
		Payload:     string(j.Payload),
		LastError:   j.LastError,
		FinishedAt:  j.FinishedAt,
	}
}

func newJobsCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and replay background jobs",
	}
	cmd.AddCommand(newJobsListCommand(o), newJobsReplayCommand(o))
	return cmd
}

func newJobsListCommand(o *options) *cobra.Command {
	var (
		status  string
		jobType string
		limit   int
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs, newest first",
		Example: `  corrctl jobs list --status failed
  corrctl jobs list --type notification.check_delivery -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if jobType != "" {
				q.Set("type", jobType)
			}
			q.Set("limit", strconv.Itoa(limit))

			ctx, cancel := o.context(cmd)
			defer cancel()
			var list []models.Job
			if err := o.client().Do(ctx, "list_jobs", http.MethodGet, "/admin/jobs?"+q.Encode(), nil, &list); err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}

			views := make([]jobView, 0, len(list))
			for _, j := range list {
				views = append(views, toJobView(j))
			}
			return render(cmd.OutOrStdout(), o.output, views, func(w io.Writer) {
				if len(views) == 0 {
					fmt.Fprintln(w, "No jobs found")
					return
				}
				t := newTable("ID", "TYPE", "STATUS", "ATTEMPTS", "RUN AT", "LAST ERROR")
				for _, v := range views {
					t.addRow(
						v.ID.String(),
						v.Type,
						v.Status,
						fmt.Sprintf("%d/%d", v.Attempts, v.MaxAttempts),
						v.RunAt.Format("2006-01-02 15:04:05"),
						truncate(v.LastError, 60),
					)
				}
				t.render(w)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (enqueued, awaiting, running, succeeded, failed)")
	cmd.Flags().StringVar(&jobType, "type", "", "filter by job type")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func newJobsReplayCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <job-id>...",
		Short: "Re-enqueue failed jobs with a fresh attempt budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid job id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			ctx, cancel := o.context(cmd)
			defer cancel()
			client := o.client()
			for _, id := range ids {
				if err := client.Do(ctx, "replay_job", http.MethodPost, "/admin/jobs/"+id.String()+"/replay", nil, nil); err != nil {
					return fmt.Errorf("failed to replay job %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "✓ job %s re-enqueued\n", id)
			}
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
