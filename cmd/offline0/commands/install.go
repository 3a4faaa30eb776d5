package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and activate the configured version without serving",
	Long: `Fetch the precache manifest from the origin into the bucket of the
configured version, then activate it, deleting buckets of other versions.
Nothing changes if any asset fails to fetch.`,
	RunE: runInstall,
}

func runInstall(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := offline0.NewLogger(cfg.Logging, os.Stderr)
	svc, err := offline0.NewService(cfg, offline0.Deps{Logger: log})
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Install(cmd.Context()); err != nil {
		return err
	}
	w := svc.Registration().Active()
	if w == nil {
		return fmt.Errorf("version %s installed but not active", cfg.App.Version)
	}
	cmd.Printf("active: %s (%d assets)\n", w.CacheName(), len(cfg.Precache))
	return nil
}
