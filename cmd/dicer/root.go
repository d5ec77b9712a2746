package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/adammck/dicer/pkg/config"
	"github.com/adammck/dicer/pkg/idgen"
	"github.com/adammck/dicer/pkg/logging"
	"github.com/adammck/dicer/pkg/persister"
	"github.com/adammck/dicer/pkg/persister/consul"
	"github.com/adammck/dicer/pkg/persister/file"
	"github.com/adammck/dicer/pkg/registry"
	"github.com/adammck/dicer/pkg/signature"
	capi "github.com/hashicorp/consul/api"
	"github.com/spf13/cobra"
)

// app is the state shared by every subcommand.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	cfgPath   string
	logLevel  string
	logFormat string

	cfg config.Config
	log *slog.Logger

	// Replaced by tests, which don't have a Consul agent.
	consulKV func(addr string) (consul.KV, error)
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		consulKV: dialConsul,
	}

	return a.rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dicer",
		Short: "Manage OBO Foundry ID range policies and mint IDs from them",

		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default: "+config.DefaultFile+", if present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(a.policyCmd())
	root.AddCommand(a.tsvCmd())
	root.AddCommand(a.mintCmd())

	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}

	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	a.cfg = cfg
	a.log = logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Format: logging.ParseFormat(cfg.Log.Format),
		Output: a.stderr,
	})

	return nil
}

func dialConsul(addr string) (consul.KV, error) {
	ccfg := capi.DefaultConfig()
	if addr != "" {
		ccfg.Address = addr
	}

	client, err := capi.NewClient(ccfg)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to consul: %w", err)
	}

	return client.KV(), nil
}

// store returns where the policy lives: in Consul if a key was given (by flag
// or config), otherwise in a file.
func (a *app) store(consulKey, path string) (persister.Persister, error) {
	if consulKey == "" {
		consulKey = a.cfg.Consul.Key
	}

	if consulKey != "" {
		kv, err := a.consulKV(a.cfg.Consul.Address)
		if err != nil {
			return nil, err
		}

		a.log.Debug("using policy in consul", "key", consulKey)
		return consul.NewWithKV(kv, consulKey,
			consul.WithLogger(a.log),
			consul.WithRetry(a.cfg.Consul.RetryInterval, a.cfg.Consul.MaxAttempts)), nil
	}

	if path == "" {
		var err error
		path, err = a.cfg.PolicyFile(".")
		if err != nil {
			return nil, err
		}
	}

	a.log.Debug("using policy file", "path", path)
	return file.New(path), nil
}

// genOpts are the flags shared by the commands which mint IDs.
type genOpts struct {
	prefix     string
	width      int
	min        int
	max        int
	policy     string
	consulKey  string
	owner      string
	shorten    bool
	random     bool
	seed       int64
	ontologies []string
}

func (o *genOpts) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.prefix, "prefix", "p", "", "mint IDs with this prefix, instead of from a policy")
	f.IntVarP(&o.width, "width", "w", 0, "number of digits in IDs minted with --prefix (default from config, or 7)")
	f.IntVarP(&o.min, "min-id", "m", -1, "lowest ID minted with --prefix")
	f.IntVarP(&o.max, "max-id", "M", -1, "upper bound of IDs minted with --prefix (default: min-id + 1000)")
	f.StringVarP(&o.policy, "policy", "P", "", "ID policy file (default: the only *-idranges.owl file here)")
	f.StringVar(&o.consulKey, "consul-key", "", "read the ID policy from this consul key")
	f.StringVarP(&o.owner, "range", "r", "", "mint IDs in the range of this user (default from config, or \"dicer\")")
	f.BoolVarP(&o.shorten, "shorten-id", "s", false, "write IDs in short form, e.g. FOO:0000001")
	f.BoolVar(&o.random, "random", false, "pick IDs at random within the range, instead of sequentially")
	f.Int64Var(&o.seed, "seed", 0, "seed for --random (default: current time)")
	f.StringArrayVar(&o.ontologies, "ontology", nil, "ontology whose IDs are already in use (repeatable)")
}

// generator builds the ID generator described by the flags.
func (a *app) generator(ctx context.Context, o *genOpts) (idgen.Generator, error) {
	checker := idgen.NeverExists
	if len(o.ontologies) > 0 {
		sig, err := signature.Load(ctx, a.log, o.ontologies...)
		if err != nil {
			return nil, err
		}

		a.log.Info("loaded ontologies", "count", len(o.ontologies), "iris", sig.Len())
		checker = sig
	}

	var format string
	var min, max int

	if o.prefix != "" {
		if o.min < 0 {
			return nil, fmt.Errorf("missing --min-id option, required with --prefix")
		}

		width := o.width
		if width == 0 {
			width = a.cfg.Width
		}

		format = fmt.Sprintf("%s%%0%dd", o.prefix, width)
		min, max = o.min, o.max
		if max < 0 {
			max = min + 1000
		}
	} else {
		p, err := a.store(o.consulKey, o.policy)
		if err != nil {
			return nil, fmt.Errorf("cannot use ID policy: %w", err)
		}

		reg, err := p.Load()
		if err != nil {
			return nil, fmt.Errorf("cannot use ID policy: %w", err)
		}

		r, err := a.cfg.Range(reg, o.owner)
		if err != nil {
			return nil, fmt.Errorf("cannot use ID policy: %w", err)
		}

		a.log.Debug("using range", "range", r.String())
		format, min, max = reg.Format(), r.Start, r.End
	}

	var gen idgen.Generator
	var err error

	if o.random {
		opts := []idgen.Option{}
		if o.seed != 0 {
			opts = append(opts, idgen.WithSeed(o.seed))
		}

		gen, err = idgen.NewRandomized(format, min, max, checker, opts...)
	} else {
		gen, err = idgen.NewSequential(format, min, max, checker)
	}

	if err != nil {
		return nil, err
	}

	if o.shorten {
		gen = idgen.Shorten(gen)
	}

	return gen, nil
}

// newPolicy returns an empty policy for an OBO project.
func (a *app) newPolicy(project string) (*registry.Registry, error) {
	return registry.NewWithWidth(project, a.cfg.Width)
}
