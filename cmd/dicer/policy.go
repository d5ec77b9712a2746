package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/adammck/dicer/pkg/persister"
	"github.com/adammck/dicer/pkg/persister/consul"
	"github.com/adammck/dicer/pkg/persister/file"
	"github.com/adammck/dicer/pkg/registry"
	"github.com/spf13/cobra"
)

type policyOpts struct {
	output    string
	save      bool
	consulKey string
	init      string

	addRange string
	comment  string
	size     int

	list            bool
	showUnallocated bool
	minSize         int
}

func (a *app) policyCmd() *cobra.Command {
	o := &policyOpts{}

	cmd := &cobra.Command{
		Use:   "policy [FILE]",
		Short: "Show or edit an ID policy",
		Long: `Show or edit an OBO Foundry ID range policy.

The policy is read from FILE (by default, the only *-idranges.owl file in the
working directory) or, with --consul-key, from Consul. It is written back if
it was modified, or if --save or --output is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}

			return a.runPolicy(cmd, o, path)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", "", "write the policy to FILE, instead of back to the input (implies --save)")
	f.BoolVarP(&o.save, "save", "s", false, "write the policy, even if it wasn't modified")
	f.StringVar(&o.consulKey, "consul-key", "", "read and write the policy in consul, under this key")
	f.StringVar(&o.init, "init", "", "create a new, empty policy for this OBO project (e.g. uberon)")

	f.StringVar(&o.addRange, "add-range", "", "allocate a new range to USER")
	f.StringVar(&o.comment, "comment", "", "comment for the new range")
	f.IntVar(&o.size, "size", 0, "size of the new range (default from config, or 10000)")

	f.BoolVarP(&o.list, "list", "l", false, "print the ranges")
	f.BoolVar(&o.showUnallocated, "show-unallocated", false, "also print the gaps between ranges")
	f.IntVar(&o.minSize, "min-size", 10, "don't print ranges smaller than this")

	return cmd
}

func (a *app) runPolicy(cmd *cobra.Command, o *policyOpts, path string) error {
	ctx := cmd.Context()

	if o.size == 0 {
		o.size = a.cfg.RangeSize
	}

	if o.init != "" && path == "" && o.consulKey == "" && a.cfg.Consul.Key == "" {
		return fmt.Errorf("--init needs a FILE or --consul-key")
	}

	p, err := a.store(o.consulKey, path)
	if err != nil {
		return fmt.Errorf("cannot read policy file: %w", err)
	}

	var reg *registry.Registry
	modified := false

	if o.init != "" {
		reg, err = a.newPolicy(o.init)
		if err != nil {
			return err
		}

		if cp, ok := p.(*consul.Persister); ok {
			err = cp.Create(reg)
			if err != nil {
				return fmt.Errorf("cannot create policy: %w", err)
			}
		} else {
			err = a.checkNew(p, o.output)
			if err != nil {
				return fmt.Errorf("cannot create policy: %w", err)
			}

			modified = true
		}

		a.log.Info("created policy", "name", reg.Name())
	} else {
		cp, isConsul := p.(*consul.Persister)

		// Allocations in Consul go through Update, which retries on conflict.
		if isConsul && o.addRange != "" {
			reg, err = cp.Update(ctx, func(reg *registry.Registry) error {
				return a.allocate(reg, o)
			})
			if err != nil {
				return fmt.Errorf("cannot allocate range: %w", err)
			}

			o.addRange = ""
		} else {
			reg, err = p.Load()
			if err != nil {
				return fmt.Errorf("invalid ID range policy: %w", err)
			}
		}
	}

	if o.addRange != "" {
		err = a.allocate(reg, o)
		if err != nil {
			return fmt.Errorf("cannot allocate range: %w", err)
		}

		modified = true
	}

	if o.list {
		a.list(reg, o)
	}

	if !modified && !o.save && o.output == "" {
		return nil
	}

	if o.output != "" {
		p = file.New(o.output)
	}

	err = p.Store(reg)
	if err != nil {
		return fmt.Errorf("cannot write policy: %w", err)
	}

	return nil
}

// checkNew fails if the file which a new policy would be written to already
// exists, so that --init never clobbers a policy. Consul's Create does the same.
func (a *app) checkNew(p persister.Persister, output string) error {
	path := output
	if path == "" {
		fp, ok := p.(*file.Persister)
		if !ok {
			return nil
		}
		path = fp.Path()
	}

	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("%w: %s", os.ErrExist, path)
	}

	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (a *app) allocate(reg *registry.Registry, o *policyOpts) error {
	r, err := reg.Allocate(o.addRange, o.comment, o.size)
	if err != nil {
		return err
	}

	a.log.Info(fmt.Sprintf("allocated range %s for user %q", r.Bounds(), r.Owner), "id", r.ID)
	return nil
}

func (a *app) list(reg *registry.Registry, o *policyOpts) {
	ranges := reg.RangesByStart()

	if o.showUnallocated {
		ranges = append(ranges, reg.Unallocated()...)
		sort.Slice(ranges, func(i, j int) bool {
			return ranges[i].Start < ranges[j].Start
		})
	}

	for _, r := range ranges {
		if r.Size() >= o.minSize {
			fmt.Fprintf(a.stdout, "%s: %s\n", r.Owner, r.Bounds())
		}
	}
}
