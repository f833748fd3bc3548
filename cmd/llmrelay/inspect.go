package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/comigor/llmrelay/internal/session"
	"github.com/comigor/llmrelay/internal/snapshot"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the configured model catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tPROVIDER\tSTREAMING\tDESCRIPTION")
		for _, m := range session.ModelCatalog(cfg).Models() {
			fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", m.Name, m.Provider, m.Streaming, m.Description)
		}
		return w.Flush()
	},
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the configured agents",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AGENT\tMODEL\tTOOLS\tDESCRIPTION")
		for _, a := range session.AgentCatalog(cfg).Models() {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", a.Name, a.Provider, a.Tools, a.Description)
		}
		return w.Flush()
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the latest committed snapshot as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Snapshot.Path == "" {
			return fmt.Errorf("snapshot.path is not configured")
		}
		if _, err := os.Stat(cfg.Snapshot.Path); err != nil {
			return fmt.Errorf("snapshot database: %w", err)
		}
		store := snapshot.NewStore(cfg.Snapshot.Path, nil)
		defer store.Close()

		snap, ok, err := store.Latest(cmd.Context())
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.ErrOrStderr(), "no snapshot committed yet")
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}
