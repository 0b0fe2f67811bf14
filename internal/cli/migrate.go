package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestreldb/kestrel/internal/db"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	DB       string
	NoCreate bool
}

// MigrationResult is the success payload for migrate.
type MigrationResult struct {
	Path          string `json:"path" yaml:"path"`
	SchemaVersion uint64 `json:"schema_version" yaml:"schema_version"`
	Changed       bool   `json:"changed" yaml:"changed"`
}

func (r MigrationResult) String() string {
	if r.Changed {
		return fmt.Sprintf("%s migrated to schema version %d", r.Path, r.SchemaVersion)
	}
	return fmt.Sprintf("%s already at schema version %d", r.Path, r.SchemaVersion)
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate <schema-dir>",
		Short: "Migrate a storage file to a schema definition",
		Long: `Open the storage file and bring its stored schema up to the version
declared in the CUE schema directory. Creating tables, adding columns
and reconciling indexes happens in one transaction; a failure leaves
the file at its pre-migration state.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "storage file path (required)")
	cmd.Flags().BoolVar(&opts.NoCreate, "no-create", false, "fail if the storage file does not exist")
	cmd.MarkFlagRequired("db")

	return cmd
}

func runMigrate(opts *MigrateOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	loaded, err := LoadSchemaDir(dir)
	if err != nil {
		return reportLoadError(formatter, err)
	}
	formatter.VerboseLog("target schema version %d with %d table(s)", loaded.Version, len(loaded.Schema.Tables))

	registry := db.NewRegistry()

	// Open in dynamic mode first so UpdateSchema can report whether the
	// file actually changed. An uninitialized file cannot be opened
	// dynamically; initializing it is a change by definition.
	var changed bool
	inst, err := registry.Open(&db.Config{Path: opts.DB, NoCreate: opts.NoCreate, SchemaVersion: db.NotVersioned})
	switch {
	case err == nil:
		changed, err = inst.UpdateSchema(loaded.Schema, loaded.Version)
		if err != nil {
			inst.Close()
			formatter.Error(ErrCodeMigrateFailed, err.Error())
			return WrapExitError(exitCodeFor(err), "migration failed", err)
		}
	case db.IsKind(err, db.KindInvalidSchemaVersion):
		inst, err = registry.Open(&db.Config{
			Path:          opts.DB,
			NoCreate:      opts.NoCreate,
			Schema:        loaded.Schema,
			SchemaVersion: loaded.Version,
		})
		if err != nil {
			formatter.Error(ErrCodeMigrateFailed, err.Error())
			return WrapExitError(exitCodeFor(err), "migration failed", err)
		}
		changed = true
	default:
		formatter.Error(ErrCodeOpenFailed, err.Error())
		return WrapExitError(exitCodeFor(err), "open failed", err)
	}
	defer inst.Close()

	return formatter.Success(MigrationResult{
		Path:          opts.DB,
		SchemaVersion: inst.Config().SchemaVersion,
		Changed:       changed,
	})
}

func reportLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		formatter.Error(loadErr.Code, loadErr.Message)
	} else {
		formatter.Error(ErrCodeGeneric, err.Error())
	}
	return WrapExitError(ExitCommandError, "schema load failed", err)
}

// exitCodeFor maps lifecycle errors to exit codes: bad input paths and
// missing files are command errors, everything else is an operation
// failure.
func exitCodeFor(err error) int {
	switch {
	case db.IsKind(err, db.KindFileNotFound),
		db.IsKind(err, db.KindFilePermissionDenied),
		db.IsKind(err, db.KindFileAccessError):
		return ExitCommandError
	default:
		return ExitFailure
	}
}
