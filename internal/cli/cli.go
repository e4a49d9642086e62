package cli

import (
	"github.com/spf13/cobra"
)

// versionInfo holds build-time version metadata.
type versionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App represents the CLI application with all wired dependencies
type App struct {
	// Root command
	rootCmd *cobra.Command

	// Runtime state
	configPath string
	verbose    bool

	// Version information
	versionInfo versionInfo
}

// New creates a new CLI application
func New() *App {
	app := &App{}
	app.setupRootCmd()

	app.rootCmd.AddCommand(NewBossCmd(app))
	app.rootCmd.AddCommand(NewWorkerCmd(app))
	app.rootCmd.AddCommand(NewStatusCmd(app))
	app.rootCmd.AddCommand(NewVersionCmd(app))

	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = versionInfo{Version: version, Commit: commit, Date: date}
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "foreman",
		Short: "Hierarchical multi-agent work orchestrator",
		Long: `Foreman supervises an interactive CLI tool as a child process and
drives it through a command multiplexer. The boss decomposes user
instructions into tasks on a durable Redis queue; workers claim tasks,
execute them through the same child tool, and submit results back for
review.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add persistent flags
	a.rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "",
		"Path to YAML config file (defaults plus environment when empty)")
	a.rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false,
		"Verbose output")
}
