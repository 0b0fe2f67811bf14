package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// ValidationResult is the success payload for validate.
type ValidationResult struct {
	SchemaVersion uint64 `json:"schema_version" yaml:"schema_version"`
	TableCount    int    `json:"table_count" yaml:"table_count"`
	FileCount     int    `json:"file_count" yaml:"file_count"`
}

func (r ValidationResult) String() string {
	return fmt.Sprintf("schema ok: version %d, %d table(s) from %d file(s)",
		r.SchemaVersion, r.TableCount, r.FileCount)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "validate <schema-dir>",
		Short: "Validate a CUE schema definition",
		Long: `Load a directory of CUE schema files and check it for structural
consistency: unique table and column names, known column types, and a
declared schema version.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}
}

func runValidate(opts *ValidateOptions, dir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	result, err := LoadSchemaDir(dir)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			formatter.Error(loadErr.Code, loadErr.Message)
			return WrapExitError(ExitCommandError, "schema validation failed", err)
		}
		formatter.Error(ErrCodeGeneric, err.Error())
		return WrapExitError(ExitCommandError, "schema validation failed", err)
	}

	formatter.VerboseLog("loaded %d CUE file(s) from %s", result.FileCount, dir)
	return formatter.Success(ValidationResult{
		SchemaVersion: result.Version,
		TableCount:    len(result.Schema.Tables),
		FileCount:     result.FileCount,
	})
}
