package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type mintOpts struct {
	genOpts
	count int
}

func (a *app) mintCmd() *cobra.Command {
	o := &mintOpts{}

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Print new IDs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.count < 1 {
				return fmt.Errorf("invalid count: %d", o.count)
			}

			gen, err := a.generator(cmd.Context(), &o.genOpts)
			if err != nil {
				return err
			}

			for i := 0; i < o.count; i++ {
				id, err := gen.Next()
				if err != nil {
					return fmt.Errorf("cannot generate ID: %w", err)
				}

				fmt.Fprintln(a.stdout, id)
			}

			return nil
		},
	}

	o.genOpts.register(cmd)
	cmd.Flags().IntVarP(&o.count, "count", "n", 1, "number of IDs to print")

	return cmd
}
