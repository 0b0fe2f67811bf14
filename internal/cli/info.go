package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestreldb/kestrel/internal/db"
	"github.com/kestreldb/kestrel/internal/schema"
)

// InfoOptions holds flags for the info command.
type InfoOptions struct {
	*RootOptions
	DB string
}

// FileInfo is the success payload for info.
type FileInfo struct {
	Path          string         `json:"path" yaml:"path"`
	SchemaVersion uint64         `json:"schema_version" yaml:"schema_version"`
	Tables        []schema.Table `json:"tables" yaml:"tables"`
}

func (f FileInfo) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: schema version %d\n", f.Path, f.SchemaVersion)
	for _, t := range f.Tables {
		fmt.Fprintf(&b, "  table %s\n", t.Name)
		for _, c := range t.Columns {
			var attrs []string
			if c.Required {
				attrs = append(attrs, "required")
			}
			if c.Indexed {
				attrs = append(attrs, "indexed")
			}
			suffix := ""
			if len(attrs) > 0 {
				suffix = " (" + strings.Join(attrs, ", ") + ")"
			}
			fmt.Fprintf(&b, "    %s %s%s\n", c.Name, c.Type, suffix)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InfoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the stored schema of a storage file",
		Long: `Open the storage file in dynamic mode and print the schema and
version currently stored in it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "storage file path (required)")
	cmd.MarkFlagRequired("db")

	return cmd
}

func runInfo(opts *InfoOptions, cmd *cobra.Command) error {
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

	cfg := inst.Config()
	return formatter.Success(FileInfo{
		Path:          cfg.Path,
		SchemaVersion: cfg.SchemaVersion,
		Tables:        cfg.Schema.Tables,
	})
}
