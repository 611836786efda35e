package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ropfind/internal/elfx"
)

var sectionsCmd = &cobra.Command{
	Use:   "sections [file]",
	Short: "List the executable regions a scan would cover",
	Long: `List the executable regions of an ELF binary in non-interactive mode.
Stripped binaries without section headers fall back to executable PT_LOAD segments.`,
	Example: `
# Show scannable regions
ropfind sections /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := elfx.Open(args[0])
		if err != nil {
			return err
		}
		defer img.Close()

		slog.Debug("Listing regions", "file", args[0], "machine", img.Machine())

		fmt.Printf("%-12s %-12s %-12s %s\n", "NAME", "VADDR", "OFFSET", "SIZE")
		for _, sec := range img.Exec {
			fmt.Printf("%-12s %#-12x %#-12x %d\n", sec.Name, sec.VA, sec.Off, sec.Size)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sectionsCmd)
}
