package cli

import (
	"fmt"
	"strings"

	"prbot/internal/db"

	"github.com/spf13/cobra"
)

var (
	jobsStatus string
	jobsPage   int
	jobsLimit  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect remediation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsTasksCmd = &cobra.Command{
	Use:   "tasks <job-id>",
	Short: "Show a job's task history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsTasks,
}

func init() {
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status: pending, processing, done, failed")
	jobsListCmd.Flags().IntVar(&jobsPage, "page", 1, "page number (1-based)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "jobs per page")
	jobsCmd.AddCommand(jobsListCmd, jobsShowCmd, jobsTasksCmd)
	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	if jobsStatus != "" && !db.IsValidStatus(jobsStatus) {
		return fmt.Errorf("invalid --status %q (expected one of: pending, processing, done, failed)", jobsStatus)
	}
	if jobsPage < 1 {
		return fmt.Errorf("invalid --page %d; expected >= 1", jobsPage)
	}
	if jobsLimit < 1 {
		return fmt.Errorf("invalid --limit %d; expected >= 1", jobsLimit)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(cmd.Context(), db.ListJobsFilter{
		Status: jobsStatus,
		Offset: (jobsPage - 1) * jobsLimit,
		Limit:  jobsLimit,
	})
	if err != nil {
		return err
	}

	if jsonOut {
		if jobs == nil {
			jobs = []db.Job{}
		}
		printJSON(jobs)
		return nil
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found. Run 'prbot serve' and point a webhook at it.")
		return nil
	}

	fmt.Printf("%-10s %-11s %-18s %-5s %-50s %s\n", "JOB", "STATUS", "SOURCE", "RETRY", "TITLE", "UPDATED")
	fmt.Println(strings.Repeat("-", 120))
	for _, j := range jobs {
		fmt.Printf("%-10s %-11s %-18s %-5d %-50s %s\n",
			db.ShortID(j.ID), j.Status, truncate(j.Source+" #"+j.SourceIssueID, 18), j.RetryCount,
			truncate(j.Title, 50), j.UpdatedAt)
	}
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobID, err := resolveJob(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}
	job, err := store.GetJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(job)
		return nil
	}

	kv := func(k, v string) {
		if v != "" {
			fmt.Printf("%-12s %s\n", k+":", v)
		}
	}
	kv("Job", job.ID)
	kv("Status", job.Status)
	kv("Title", job.Title)
	kv("Source", job.Source+" #"+job.SourceIssueID)
	kv("Project", job.SourceProjectID)
	kv("Level", job.Level)
	kv("Environment", job.Environment)
	kv("Exception", job.ExceptionType)
	if job.Filename != "" {
		kv("Location", fmt.Sprintf("%s:%d in %s", job.Filename, job.Lineno, job.Function))
	}
	kv("Branch", job.WorkBranch)
	kv("Retries", fmt.Sprintf("%d", job.RetryCount))
	kv("Link", job.SourceURL)
	kv("Created", job.CreatedAt)
	kv("Updated", job.UpdatedAt)
	if job.ErrorLog != "" {
		fmt.Printf("\nError log:\n%s\n", job.ErrorLog)
	}
	return nil
}

func runJobsTasks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobID, err := resolveJob(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}
	tasks, err := store.ListTasks(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if jsonOut {
		if tasks == nil {
			tasks = []db.JobTask{}
		}
		printJSON(tasks)
		return nil
	}
	if len(tasks) == 0 {
		fmt.Printf("No tasks recorded for job %s.\n", db.ShortID(jobID))
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("%4d  %-9s %s  %s\n", t.Sequence, t.Type, t.CreatedAt, truncate(oneLine(t.Content), 100))
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
