package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/pbparthas/scriptlock/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Launch the TUI dashboard",
	Long: `Launch an interactive terminal dashboard of active leases.

The dashboard shows:
- All active leases (optionally for one project)
- Time remaining, with leases near expiry highlighted
- Recent history of the selected resource

Navigation:
  ↑/↓     Navigate leases
  Enter   View lease details
  Esc     Go back
  r       Refresh
  q       Quit`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorRefreshFlag time.Duration
	monitorProjectFlag string
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().DurationVar(&monitorRefreshFlag, "refresh", 5*time.Second, "refresh interval")
	monitorCmd.Flags().StringVarP(&monitorProjectFlag, "project", "p", "", "only show leases in this project")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	model := tui.NewModel(cmd.Context(), a.manager, tui.Options{
		ProjectID:       monitorProjectFlag,
		RefreshInterval: monitorRefreshFlag,
		WarnThreshold:   a.cfg.Sweep.WarnThreshold,
	})

	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run TUI: %w", err)
	}

	return nil
}
