package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/annometa/internal/search"
	"github.com/roach88/annometa/internal/store"
)

// MigrateResult reports the schema version after migration.
type MigrateResult struct {
	Database      string `json:"database"`
	Index         string `json:"index"`
	SchemaVersion int    `json:"schema_version"`
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store and index databases",
		Long: `Create the SQLite store and search index if they do not exist, and
apply any pending store migrations. Safe to run repeatedly.`,
		Args: usage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(rootOpts, cmd)
		},
	}
}

func runMigrate(opts *RootOptions, cmd *cobra.Command) error {
	out := formatter(opts, cmd)
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.Database)
	if err != nil {
		return out.Fail("open store", err)
	}
	defer s.Close()
	index, err := search.OpenSQLite(cfg.Index)
	if err != nil {
		return out.Fail("open index", err)
	}
	defer index.Close()

	version, err := s.SchemaVersion(cmd.Context())
	if err != nil {
		return out.Fail("read schema version", err)
	}
	res := MigrateResult{Database: cfg.Database, Index: cfg.Index, SchemaVersion: version}
	return out.Success(res, fmt.Sprintf("✓ %s at schema version %d", cfg.Database, version))
}
