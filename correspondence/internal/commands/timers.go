package commands

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
)

// taskStats mirrors one entry of the timers snapshot.
type taskStats struct {
	Runs      int64  `json:"runs" yaml:"runs"`
	Errors    int64  `json:"errors" yaml:"errors"`
	LastRun   string `json:"last_run" yaml:"last_run"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

type timersSnapshot struct {
	Running   bool                 `json:"running" yaml:"running"`
	TaskCount int                  `json:"task_count" yaml:"task_count"`
	Tasks     map[string]taskStats `json:"tasks" yaml:"tasks"`
}

func newTimersCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "timers",
		Short: "Show the periodic repair and expiry timers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := o.context(cmd)
			defer cancel()
			var snap timersSnapshot
			if err := o.client().Do(ctx, "timers", http.MethodGet, "/admin/timers", nil, &snap); err != nil {
				return fmt.Errorf("failed to read timers: %w", err)
			}
			return render(cmd.OutOrStdout(), o.output, snap, func(w io.Writer) {
				state := "stopped"
				if snap.Running {
					state = "running"
				}
				fmt.Fprintf(w, "Timers: %s (%d scheduled)\n\n", state, snap.TaskCount)
				if len(snap.Tasks) == 0 {
					fmt.Fprintln(w, "No runs recorded yet")
					return
				}
				names := make([]string, 0, len(snap.Tasks))
				for name := range snap.Tasks {
					names = append(names, name)
				}
				sort.Strings(names)
				t := newTable("TASK", "RUNS", "ERRORS", "LAST RUN", "LAST ERROR")
				for _, name := range names {
					s := snap.Tasks[name]
					t.addRow(name, fmt.Sprint(s.Runs), fmt.Sprint(s.Errors), s.LastRun, truncate(s.LastError, 60))
				}
				t.render(w)
			})
		},
	}
}
