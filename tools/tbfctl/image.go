package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"gophertock/kernel/mem"
	"gophertock/tbf"

	"github.com/Masterminds/semver/v3"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// imageView is the printable form of a decoded header.
type imageView struct {
	Offset        string   `yaml:"offset"`
	Name          string   `yaml:"name,omitempty"`
	Padding       bool     `yaml:"padding"`
	Enabled       bool     `yaml:"enabled"`
	Sticky        bool     `yaml:"sticky"`
	HeaderLength  uint16   `yaml:"headerLength"`
	TotalLength   uint32   `yaml:"totalLength"`
	EntryPoint    uint32   `yaml:"entryPoint,omitempty"`
	MinimumMemory uint32   `yaml:"minimumMemory,omitempty"`
	KernelVersion string   `yaml:"kernelVersion,omitempty"`
	ShortID       uint32   `yaml:"shortId,omitempty"`
	Extensions    []string `yaml:"extensions,omitempty"`
}

func newImageView(e tbf.Entry) imageView {
	h := e.Header
	v := imageView{
		Offset:        fmt.Sprintf("0x%08x", e.Offset),
		Padding:       h.IsPadding(),
		Enabled:       h.Enabled(),
		Sticky:        h.Sticky(),
		HeaderLength:  h.HeaderLength,
		TotalLength:   h.TotalLength,
		EntryPoint:    h.EntryPoint(),
		MinimumMemory: h.MinimumMemorySize(),
	}
	v.Name, _ = h.PackageName()
	if kv, ok := h.KernelVersion(); ok {
		v.KernelVersion = kv.String()
	}
	v.ShortID, _ = h.ShortID()
	for _, ext := range h.Extensions {
		v.Extensions = append(v.Extensions, ext.Type().String())
	}
	return v
}

// offsetReader exposes a file holding the bytes of a region starting at base
// through storage addresses.
type offsetReader struct {
	r    io.ReaderAt
	base int64
}

func (o offsetReader) ReadAt(p []byte, off int64) (int, error) {
	return o.r.ReadAt(p, off-o.base)
}

func newInspectCmd() *cobra.Command {
	var (
		output string
		base   string
	)

	cmd := &cobra.Command{
		Use:   "inspect <image-or-flash-file>",
		Short: "Decode and print the images stored in a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseUint(base)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return err
			}

			region := mem.Range{Start: start, Length: uintptr(info.Size())}
			entries, walkErr := tbf.Walk(offsetReader{r: f, base: int64(start)}, region)

			views := make([]imageView, 0, len(entries))
			for _, e := range entries {
				views = append(views, newImageView(e))
			}

			if err := printImages(cmd.OutOrStdout(), output, views); err != nil {
				return err
			}
			return walkErr
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format: table or yaml")
	cmd.Flags().StringVar(&base, "base", "0", "Storage address of the first byte of the file")
	return cmd
}

func printImages(w io.Writer, format string, views []imageView) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "OFFSET\tNAME\tSIZE\tFLAGS\tRAM\tKERNEL")
		for _, v := range views {
			name, flags := v.Name, ""
			if v.Padding {
				name = "<padding>"
			}
			if v.Enabled {
				flags += "E"
			}
			if v.Sticky {
				flags += "S"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", v.Offset, name,
				humanize.IBytes(uint64(v.TotalLength)), flags,
				humanize.IBytes(uint64(v.MinimumMemory)), v.KernelVersion)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func newPackCmd() *cobra.Command {
	var (
		name          string
		output        string
		bodyPath      string
		initOffset    uint32
		minMemory     uint32
		totalLength   uint32
		enabled       bool
		sticky        bool
		kernelVersion string
		shortID       uint32
	)

	cmd := &cobra.Command{
		Use:   "pack",
		Short: "Build an image from a binary and header parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := semver.NewVersion(kernelVersion)
			if err != nil {
				return fmt.Errorf("invalid kernel version %q: %w", kernelVersion, err)
			}

			var body []byte
			if bodyPath != "" {
				if body, err = os.ReadFile(bodyPath); err != nil {
					return err
				}
			}

			h := &tbf.Header{
				TotalLength: totalLength,
				Extensions: []tbf.Extension{
					tbf.Main{InitOffset: initOffset, MinimumMemorySize: minMemory},
					tbf.PackageName(name),
					tbf.KernelVersion{Major: uint16(kv.Major()), Minor: uint16(kv.Minor())},
				},
			}
			if enabled {
				h.Flags |= tbf.FlagEnabled
			}
			if sticky {
				h.Flags |= tbf.FlagSticky
			}
			if shortID != 0 {
				h.Extensions = append(h.Extensions, tbf.ShortID(shortID))
			}

			img, err := tbf.Build(h, body)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, img, 0o644); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %s (header %d bytes, checksum 0x%08x)\n",
				output, humanize.IBytes(uint64(len(img))), h.HeaderLength, h.Checksum)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Package name")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file")
	cmd.Flags().StringVar(&bodyPath, "binary", "", "Application binary appended after the header")
	cmd.Flags().Uint32Var(&initOffset, "init-offset", 0, "Entry point offset from the end of the header")
	cmd.Flags().Uint32Var(&minMemory, "min-memory", 4096, "Minimum RAM size in bytes")
	cmd.Flags().Uint32Var(&totalLength, "size", 0, "Total image size in bytes (default: header plus binary)")
	cmd.Flags().BoolVar(&enabled, "enabled", true, "Start the image at boot")
	cmd.Flags().BoolVar(&sticky, "sticky", false, "Protect the image from removal")
	cmd.Flags().StringVar(&kernelVersion, "kernel-version", "2.0", "Minimum kernel version")
	cmd.Flags().Uint32Var(&shortID, "short-id", 0, "Short application identifier")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
