package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/internal/logging"
	"github.com/opsconductor/opsconductor/internal/mapping"
	"github.com/opsconductor/opsconductor/internal/store"
)

var seedMappingsCmd = &cobra.Command{
	Use:   "seed-mappings [file]",
	Short: "Apply a mapping seed file to the database",
	Long: `Upserts the severity, category, and trap mappings from a YAML seed file
into the database, then exits. Without an argument the MAPPING_SEED_PATH
environment variable names the file. A running server picks the rows up on
its next mapping refresh.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Init(logging.Config{Format: "console", Level: "warn", Component: "seed"})

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		path := cfg.MappingSeedPath
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("no seed file: pass one as an argument or set MAPPING_SEED_PATH")
		}

		seed, err := mapping.LoadSeedFile(path)
		if err != nil {
			return err
		}

		st, err := store.New(store.Config{DBPath: cfg.DBPath})
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := seed.Apply(ctx, st); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "Applied %s: %d severities, %d categories, %d traps\n",
			path, len(seed.Severities), len(seed.Categories), len(seed.Traps))
		return nil
	},
}
