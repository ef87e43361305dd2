package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskgraph/skein/pkg/audit"
)

var dumpStateCmd = &cobra.Command{
	Use:   "dump-state",
	Short: "Render the audit log's completion history as YAML",
	Long: `dump-state reads the optional audit log (pkg/audit) and renders
its completion records as YAML for operator inspection. This is the audit
log only: skeind has no persisted scheduler state to dump, since a restart
always starts from an empty graph.`,
	RunE: runDumpState,
}

func init() {
	dumpStateCmd.Flags().String("audit-log", "", "Path to the audit log file (required)")
	rootCmd.AddCommand(dumpStateCmd)
}

func runDumpState(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("audit-log")
	if path == "" {
		return fmt.Errorf("dump-state: --audit-log is required")
	}

	log, err := audit.Open(path)
	if err != nil {
		return fmt.Errorf("dump-state: %w", err)
	}
	defer log.Close()

	records, err := log.All()
	if err != nil {
		return fmt.Errorf("dump-state: %w", err)
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(records)
}
