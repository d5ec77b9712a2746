package main

import (
	"fmt"
	"io"
	"os"

	"github.com/adammck/dicer/pkg/tsv"
	"github.com/spf13/cobra"
)

type tsvOpts struct {
	genOpts

	output    string
	inputSep  string
	outputSep string
	column    string
	overwrite bool
}

func (a *app) tsvCmd() *cobra.Command {
	o := &tsvOpts{}

	cmd := &cobra.Command{
		Use:   "tsv FILE",
		Short: "Fill a column of a TSV or CSV file with new IDs",
		Long: `Fill a column of a TSV or CSV file with newly minted IDs.

FILE may be - to read from standard input. IDs are taken either from a range
of an ID policy, or from an explicit prefix and bounds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTSV(cmd, o, args[0])
		},
	}

	o.genOpts.register(cmd)

	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", "-", "write to FILE (default: standard output)")
	f.StringVar(&o.inputSep, "input-sep", "AUTO", "input separator: TAB, COMMA, COLON, SEMICOLON or AUTO")
	f.StringVar(&o.outputSep, "output-sep", "AUTO", "output separator: TAB, COMMA, COLON, SEMICOLON or AUTO (same as input)")
	f.StringVarP(&o.column, "column", "c", "", "column to fill, by 1-based index or header name (default: the first)")
	f.BoolVar(&o.overwrite, "overwrite", true, "replace existing values in the column")

	// Inverse of --overwrite.
	f.Bool("no-overwrite", false, "keep existing values in the column")

	return cmd
}

func (a *app) runTSV(cmd *cobra.Command, o *tsvOpts, input string) error {
	inSep, err := tsv.ParseSeparator(o.inputSep)
	if err != nil {
		return err
	}

	outSep, err := tsv.ParseSeparator(o.outputSep)
	if err != nil {
		return err
	}

	if noOverwrite, _ := cmd.Flags().GetBool("no-overwrite"); noOverwrite {
		o.overwrite = false
	}

	var r io.Reader = a.stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return fmt.Errorf("cannot read %s: %w", input, err)
		}
		defer f.Close()
		r = f
	}

	tab, err := tsv.Read(r, inSep)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", input, err)
	}

	col, err := tab.Column(o.column)
	if err != nil {
		return err
	}

	gen, err := a.generator(cmd.Context(), &o.genOpts)
	if err != nil {
		return err
	}

	n, err := tab.Fill(col, gen, o.overwrite)
	if err != nil {
		return err
	}

	a.log.Info("generated IDs", "count", n, "column", col+1)

	if o.output == "-" {
		return tab.Write(a.stdout, outSep)
	}

	f, err := os.Create(o.output)
	if err != nil {
		return fmt.Errorf("cannot write to %s: %w", o.output, err)
	}

	err = tab.Write(f, outSep)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		return fmt.Errorf("cannot write to %s: %w", o.output, err)
	}

	return nil
}
