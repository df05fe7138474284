package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/candidate-pipeline/internal/model"
	"github.com/sells-group/candidate-pipeline/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect bulk jobs",
	Long:  "Commands for listing and viewing bulk jobs and their groups.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bulk jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		statuses, err := parseStatuses(status)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		jobs, err := st.ListJobs(ctx, store.JobFilter{Statuses: statuses, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job and its groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		groups, err := st.ListGroups(ctx, job.ID)
		if err != nil {
			return eris.Wrap(err, "jobs show: groups")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.Job
			Groups []model.Group `json:"groups"`
		}{job, groups})
	},
}

// parseStatuses splits a comma-separated status list and rejects unknown
// statuses.
func parseStatuses(raw string) ([]model.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []model.JobStatus
	for _, s := range strings.Split(raw, ",") {
		status := model.JobStatus(strings.ToUpper(strings.TrimSpace(s)))
		if !status.Valid() {
			return nil, eris.Errorf("unknown job status %q", s)
		}
		out = append(out, status)
	}
	return out, nil
}

func formatJobsList(out io.Writer, jobs []model.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tGROUPS\tTOKENS\tMODEL\tCREATED\tAGE")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t------\t-----\t-------\t---")

	for _, j := range jobs {
		end := j.UpdatedAt
		if j.ProcessedAt != nil {
			end = *j.ProcessedAt
		}
		dur := end.Sub(j.CreatedAt).Round(time.Second).String()

		name := j.DisplayName
		if len(name) > 30 {
			name = name[:27] + "..."
		}

		mdl := j.Analyze.Model
		if j.Structure.Model != "" {
			mdl = j.Structure.Model
		}
		if j.Analyze.FallbackUsed || j.Structure.FallbackUsed {
			mdl += "*"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			truncateID(j.ID),
			name,
			j.Status,
			j.GroupCount,
			j.EstimatedTokens,
			mdl,
			j.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	jobsListCmd.Flags().String("status", "", "comma-separated statuses to include")
	jobsListCmd.Flags().Int("limit", 20, "max jobs to show")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
