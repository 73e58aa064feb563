package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/xdcshop/internal/store"
)

// NewCursorCommand creates the cursor command group.
func NewCursorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect the stored sync cursor",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show where the next sync resumes",
		Long: `Show the stored sync cursor: the last transport serial processed and the
last catalog update serial merged. "xdcshop run" resumes after them.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ns, err := openNamespace(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer closeStore(st)

			pos, err := ns.LoadCursor(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read cursor", err)
			}
			return rootOpts.formatter(cmd).Success(pos, func(w io.Writer) {
				printCursor(w, ns.Name(), pos)
			})
		},
	}

	cmd.AddCommand(show)
	return cmd
}

func printCursor(w io.Writer, namespace string, pos store.Position) {
	fmt.Fprintf(w, "namespace:          %s\n", namespace)
	fmt.Fprintf(w, "last stream serial: %d\n", pos.LastStreamSerial)
	if pos.UpdateSeen {
		fmt.Fprintf(w, "last update serial: %d\n", pos.LastUpdateSerial)
	} else {
		fmt.Fprintln(w, "last update serial: none")
	}
}
