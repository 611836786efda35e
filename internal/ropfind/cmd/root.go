package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	pathpkg "path/filepath"
	"regexp"
	"runtime/pprof"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"ropfind/internal/elfx"
	"ropfind/internal/ropfind/log"
	"ropfind/internal/rules"
	"ropfind/internal/scan"
	"ropfind/internal/ui/colorize"
)

var rootCmd = &cobra.Command{
	Use:   "ropfind [file]",
	Short: "Terminal-based ROP gadget finder",
	Long: `Ropfind locates ROP, JOP, and syscall gadgets in the executable sections
of x86-64 ELF binaries. It provides an interactive TUI for browsing and
filtering gadgets, plus plain-text and JSON output for scripting.`,
	Example: `
# Browse gadgets interactively
ropfind /path/to/binary

# Print stack-pivot gadgets, up to 4 instructions each
ropfind -n --stack-pivot -m 4 /path/to/binary

# Gadgets whose text matches a regex, as JSON
ropfind -j -p 'pop r..; ret;' /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Setup CPU profiling if requested
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		// Setup memory profiling if requested
		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(debug)

		opts, err := optionsFromFlags(cmd)
		if err != nil {
			return err
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("could not resolve path: %w", err)
		}
		if _, err := os.Stat(absPath); err != nil {
			return fmt.Errorf("could not stat file: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			return runJSON(absPath, opts)
		}

		noTUI, _ := cmd.Flags().GetBool("no-tui")
		if noTUI || !term.IsTerminal(os.Stdout.Fd()) {
			return runNoTUI(absPath, opts)
		}

		// Set up the TUI.
		program := tea.NewProgram(
			NewModel(absPath, opts),
			tea.WithAltScreen(),
			tea.WithContext(cmd.Context()),
		)

		if _, err := program.Run(); err != nil {
			slog.Error("TUI run error", "error", err)
			return fmt.Errorf("TUI error: %v", err)
		}
		return nil
	},
}

// optionsFromFlags builds the scan options shared by all output modes.
func optionsFromFlags(cmd *cobra.Command) (scan.Options, error) {
	var opts scan.Options

	opts.MaxInstructions, _ = cmd.Flags().GetInt("max-instructions")
	if opts.MaxInstructions < 1 {
		return opts, fmt.Errorf("--max-instructions must be at least 1, got %d", opts.MaxInstructions)
	}
	opts.Noisy, _ = cmd.Flags().GetBool("noisy")
	opts.StackPivot, _ = cmd.Flags().GetBool("stack-pivot")
	opts.BasePivot, _ = cmd.Flags().GetBool("base-pivot")

	var kinds rules.TailKinds
	kinds.Rop, _ = cmd.Flags().GetBool("rop")
	kinds.Sys, _ = cmd.Flags().GetBool("sys")
	kinds.Jop, _ = cmd.Flags().GetBool("jop")
	// ROP-only when no class is selected.
	opts.Tails = kinds

	opts.Section, _ = cmd.Flags().GetString("section")

	pattern, _ := cmd.Flags().GetString("pattern")
	if pattern != "" {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return opts, fmt.Errorf("invalid --pattern: %w", err)
		}
		opts.Pattern = re
	}

	return opts, nil
}

// runNoTUI scans the binary and prints one line per gadget.
func runNoTUI(path string, opts scan.Options) error {
	img, err := elfx.Open(path)
	if err != nil {
		return err
	}
	defer img.Close()

	report, err := scan.Image(img, opts)
	if err != nil {
		return err
	}
	slog.Debug("Scan finished",
		"file", path,
		"gadgets", len(report.Gadgets),
		"elapsed", report.Elapsed)

	for _, f := range report.Gadgets {
		line := colorize.GadgetLine(f.Gadget)
		if f.Symbol != "" {
			line += fmt.Sprintf("  ; %s", f.Symbol)
		}
		fmt.Println(line)
	}
	fmt.Printf("\n%d gadgets found in %s\n", len(report.Gadgets), path)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().IntP("max-instructions", "m", scan.DefaultMaxInstructions, "Maximum instructions per gadget, including the tail")
	rootCmd.Flags().Bool("noisy", false, "Admit unreliable instructions into gadget bodies")
	rootCmd.Flags().Bool("rop", false, "Search for return-terminated gadgets (default when no class is selected)")
	rootCmd.Flags().Bool("sys", false, "Search for syscall-terminated gadgets")
	rootCmd.Flags().Bool("jop", false, "Search for indirect jump/call-terminated gadgets")
	rootCmd.Flags().Bool("stack-pivot", false, "Keep only gadgets that redirect the stack pointer")
	rootCmd.Flags().Bool("base-pivot", false, "Keep only gadgets that redirect the frame pointer")
	rootCmd.Flags().StringP("pattern", "p", "", "Keep only gadgets whose text matches this regex")
	rootCmd.Flags().String("section", "", "Scan only the named executable region")
	rootCmd.Flags().BoolP("no-tui", "n", false, "Print gadgets without TUI")
	rootCmd.Flags().BoolP("json", "j", false, "Output results as JSON")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
}

func Execute() {
	// Don't auto-disable colors when piping - let user control with ROPFIND_NO_COLOR env var

	// Check if --no-tui or --json flag is present, or if output is being piped
	// to bypass fang's markdown rendering
	noTUI := false
	for _, arg := range os.Args[1:] {
		if arg == "--no-tui" || arg == "-n" || arg == "--json" || arg == "-j" {
			noTUI = true
			break
		}
	}

	// Also bypass fang when output is being piped
	if !noTUI && !term.IsTerminal(os.Stdout.Fd()) {
		noTUI = true
	}

	if noTUI {
		// Use cobra directly to avoid fang's automatic markdown rendering
		if err := rootCmd.Execute(); err != nil {
			os.Exit(1)
		}
	} else {
		// Use fang for enhanced CLI experience with markdown rendering
		if err := fang.Execute(
			context.Background(),
			rootCmd,
			fang.WithNotifySignal(os.Interrupt),
		); err != nil {
			os.Exit(1)
		}
	}
}
