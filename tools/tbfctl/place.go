package main

import (
	"fmt"
	"io"

	"gophertock/kernel/mem"
	"gophertock/kernel/mem/placement"

	"github.com/spf13/cobra"
)

func newPlaceCmd() *cobra.Command {
	var (
		region   string
		occupied []string
	)

	cmd := &cobra.Command{
		Use:   "place <size>",
		Short: "Compute where an image of the given size would be placed",
		Long: `place runs the placement engine: it prints the lowest address in the region
aligned to the smallest power of two that holds the request and free of the
occupied ranges, followed by the padding images the gaps around it need.

Ranges are given as start:length or start-end.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := parseUint(args[0])
			if err != nil {
				return err
			}
			r, err := parseRange(region)
			if err != nil {
				return err
			}

			eng := placement.NewEngine("flash", r)
			for _, s := range occupied {
				o, err := parseRange(s)
				if err != nil {
					return err
				}
				if err := eng.Reserve(o); err != nil {
					return fmt.Errorf("occupied range %s: %w", o, err)
				}
			}

			placed, err := eng.Place(size)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address: 0x%08x\n", placed.Start)
			fmt.Fprintf(out, "range:   %s (%s)\n", placed, placed.Size())

			pad := placement.PlanPadding(placed, eng.Occupied(), r)
			printPadding(out, "before", pad.Before)
			printPadding(out, "after", pad.After)
			return nil
		},
	}

	cmd.Flags().StringVar(&region, "region", "0x40000:0x40000", "Region to place into")
	cmd.Flags().StringArrayVar(&occupied, "occupied", nil, "Occupied range (repeatable)")
	return cmd
}

func printPadding(w io.Writer, label string, r mem.Range) {
	if r.Empty() {
		fmt.Fprintf(w, "padding %s: none\n", label)
		return
	}
	fmt.Fprintf(w, "padding %s: %s (%s)\n", label, r, r.Size())
}
