package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestreldb/kestrel/internal/db"
)

// CompactOptions holds flags for the compact command.
type CompactOptions struct {
	*RootOptions
	DB string
}

// CompactResult is the success payload for compact.
type CompactResult struct {
	Path      string `json:"path" yaml:"path"`
	Compacted bool   `json:"compacted" yaml:"compacted"`
}

func (r CompactResult) String() string {
	if r.Compacted {
		return fmt.Sprintf("%s compacted", r.Path)
	}
	return fmt.Sprintf("%s not compacted (preconditions unmet)", r.Path)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompactOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Reclaim unused space in a storage file",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompact(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "storage file path (required)")
	cmd.MarkFlagRequired("db")

	return cmd
}

func runCompact(opts *CompactOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	registry := db.NewRegistry()
	inst, err := registry.Open(&db.Config{Path: opts.DB, NoCreate: true, SchemaVersion: db.NotVersioned})
	if err != nil {
		formatter.Error(ErrCodeOpenFailed, err.Error())
		return WrapExitError(exitCodeFor(err), "open failed", err)
	}
	defer inst.Close()

	compacted, err := inst.Compact()
	if err != nil {
		formatter.Error(ErrCodeCompactFailed, err.Error())
		return WrapExitError(ExitFailure, "compact failed", err)
	}
	if !compacted {
		formatter.Error(ErrCodeCompactFailed, "preconditions unmet: file is shared or read-only")
		return WrapExitError(ExitFailure, "compact skipped", nil)
	}
	return formatter.Success(CompactResult{Path: opts.DB, Compacted: true})
}
