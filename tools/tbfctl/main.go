// Command tbfctl builds, inspects and places application images and drives
// the kernel against a flash file on the host.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gophertock/kernel/config"
	"gophertock/kernel/kfmt"
	"gophertock/kernel/mem"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globalOptions holds the flags shared by every command.
type globalOptions struct {
	configPath string
	flashPath  string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "tbfctl",
		Short: "Build, inspect and load application images",
		Long: `tbfctl works with application images and the flash files that hold them.

Images carry a self-describing header. A flash file holds images back to back
and is booted by the kernel, which loads every valid image into a process.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			logger, err := kfmt.NewLogger(level, opts.verbose)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			kfmt.SetLogger(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = kfmt.Logger("tbfctl").Sync()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Board configuration file (YAML or JSON)")
	root.PersistentFlags().StringVarP(&opts.flashPath, "flash", "f", "", "Flash file (overrides flash.path)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose logging")

	root.AddCommand(
		newInspectCmd(),
		newPackCmd(),
		newPlaceCmd(),
		newInstallCmd(opts),
		newListCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig loads the board configuration and applies flag overrides.
func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.flashPath != "" {
		cfg.Flash.Path = o.flashPath
	}
	return cfg, nil
}

// parseUint parses decimal, 0x-prefixed hex, 0o octal or 0b binary numbers.
func parseUint(s string) (uintptr, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return uintptr(v), nil
}

// parseRange parses "start:length" or "start-end".
func parseRange(s string) (mem.Range, error) {
	if start, length, ok := strings.Cut(s, ":"); ok {
		a, err := parseUint(start)
		if err != nil {
			return mem.Range{}, err
		}
		n, err := parseUint(length)
		if err != nil {
			return mem.Range{}, err
		}
		return mem.Range{Start: a, Length: n}, nil
	}

	if start, end, ok := strings.Cut(s, "-"); ok {
		a, err := parseUint(start)
		if err != nil {
			return mem.Range{}, err
		}
		b, err := parseUint(end)
		if err != nil {
			return mem.Range{}, err
		}
		if b < a {
			return mem.Range{}, fmt.Errorf("range %q ends before it starts", s)
		}
		return mem.RangeFromBounds(a, b), nil
	}

	return mem.Range{}, fmt.Errorf("range %q must be start:length or start-end", s)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		kfmt.Logger("tbfctl").Debug("command failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
