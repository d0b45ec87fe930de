package cli

import (
	"fmt"
	"strings"

	"prbot/internal/db"

	"github.com/spf13/cobra"
)

var (
	projectSource   string
	projectPlatform string
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "Manage error-source to repository mappings",
}

var projectsAddCmd = &cobra.Command{
	Use:   "add <source-project-id> <repo-url>",
	Short: "Map an error-source project to a git repository",
	Args:  cobra.ExactArgs(2),
	RunE:  runProjectsAdd,
}

var projectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List project mappings",
	Args:  cobra.NoArgs,
	RunE:  runProjectsList,
}

var projectsRmCmd = &cobra.Command{
	Use:     "rm <source-project-id>",
	Aliases: []string{"remove"},
	Short:   "Remove a project mapping",
	Args:    cobra.ExactArgs(1),
	RunE:    runProjectsRm,
}

func init() {
	projectsCmd.PersistentFlags().StringVar(&projectSource, "source", db.SourceSentry, "error source: sentry, cloudwatch, datadog")
	projectsAddCmd.Flags().StringVar(&projectPlatform, "platform", db.PlatformGitHub, "repository platform: github, gitlab")
	projectsCmd.AddCommand(projectsAddCmd, projectsListCmd, projectsRmCmd)
	rootCmd.AddCommand(projectsCmd)
}

func validateSource(source string) error {
	switch source {
	case db.SourceSentry, db.SourceCloudWatch, db.SourceDatadog:
		return nil
	default:
		return fmt.Errorf("invalid --source %q (expected one of: sentry, cloudwatch, datadog)", source)
	}
}

func runProjectsAdd(cmd *cobra.Command, args []string) error {
	if err := validateSource(projectSource); err != nil {
		return err
	}
	platform := strings.ToLower(projectPlatform)
	if platform != db.PlatformGitHub && platform != db.PlatformGitLab {
		return fmt.Errorf("invalid --platform %q (expected github or gitlab)", projectPlatform)
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

	p, err := store.CreateProject(cmd.Context(), db.NewProject{
		Source:          projectSource,
		SourceProjectID: args[0],
		RepoURL:         args[1],
		RepoPlatform:    platform,
	})
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(p)
		return nil
	}
	fmt.Printf("Added %s project %s -> %s (%s)\n", p.Source, p.SourceProjectID, p.RepoURL, p.RepoPlatform)
	return nil
}

func runProjectsList(cmd *cobra.Command, args []string) error {
	source := ""
	if cmd.Flags().Changed("source") {
		if err := validateSource(projectSource); err != nil {
			return err
		}
		source = projectSource
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

	projects, err := store.ListProjects(cmd.Context(), source)
	if err != nil {
		return err
	}
	if jsonOut {
		if projects == nil {
			projects = []db.Project{}
		}
		printJSON(projects)
		return nil
	}
	if len(projects) == 0 {
		fmt.Println("No projects. Add one with 'prbot projects add <source-project-id> <repo-url>'.")
		return nil
	}

	fmt.Printf("%-11s %-20s %-8s %s\n", "SOURCE", "PROJECT", "PLATFORM", "REPOSITORY")
	fmt.Println(strings.Repeat("-", 90))
	for _, p := range projects {
		fmt.Printf("%-11s %-20s %-8s %s\n", p.Source, truncate(p.SourceProjectID, 20), p.RepoPlatform, p.RepoURL)
	}
	return nil
}

func runProjectsRm(cmd *cobra.Command, args []string) error {
	if err := validateSource(projectSource); err != nil {
		return err
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

	if err := store.DeleteProject(cmd.Context(), projectSource, args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed %s project %s\n", projectSource, args[0])
	return nil
}
