package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"evtcore/app"
	"evtcore/config"
	apperrors "evtcore/errors"
	"evtcore/logging"
	"evtcore/modeling"
	"evtcore/server"
)

type cli struct {
	configPath string
	tenant     string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "evtctl",
		Short: "evtcore operations tool",
		Long: `evtctl inspects and operates an evtcore deployment.

It reads the same YAML configuration as the runtime and provides:
  - event stream inspection (load, scan)
  - compensation resend of persisted event streams
  - prepare key inspection and rollback
  - a long running host exposing bus consumers and /metrics`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "path to evtcore YAML config")
	root.PersistentFlags().StringVar(&c.tenant, "tenant", "", "tenant id (default tenant when empty)")

	root.AddCommand(c.eventsCmd(), c.resendCmd(), c.prepareCmd(), c.configCmd(), c.serveCmd())
	return root
}

// withEngine 按配置创建引擎、启动总线，执行完毕后关闭
func (c *cli) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *app.Engine) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := e.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logging.GetLogger().Warn(ctx, "close engine failed", logging.Error(closeErr))
		}
	}()
	if err := e.Start(ctx); err != nil {
		return err
	}
	return apperrors.WrapWithLog(ctx, fn(ctx, e), cmd.CommandPath()+" failed")
}

func (c *cli) aggregateID(named, id string) (modeling.AggregateId, error) {
	n, err := modeling.ParseNamedAggregate(named)
	if err != nil {
		return modeling.AggregateId{}, err
	}
	aggID := modeling.NewAggregateId(n, id, c.tenant)
	return aggID, aggID.Validate()
}

func (c *cli) eventsCmd() *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Inspect persisted event streams",
	}

	var head, tail uint64
	load := &cobra.Command{
		Use:   "load <context.aggregate> <id>",
		Short: "Print event streams of one aggregate as JSON lines",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := c.aggregateID(args[0], args[1])
			if err != nil {
				return err
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				streams, err := e.EventStore().Load(ctx, id, head, tail)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, s := range streams {
					if err := enc.Encode(s); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	load.Flags().Uint64Var(&head, "head", modeling.InitialVersion, "first version (inclusive)")
	load.Flags().Uint64Var(&tail, "tail", modeling.MaxVersion, "last version (inclusive)")

	var after string
	var limit int
	scan := &cobra.Command{
		Use:   "scan <context.aggregate>",
		Short: "List aggregate ids in (id, tenant) order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			named, err := modeling.ParseNamedAggregate(args[0])
			if err != nil {
				return err
			}
			if limit <= 0 {
				return errors.New("--limit must be positive")
			}
			var cursor modeling.AggregateId
			if after != "" {
				cursor = modeling.NewAggregateId(named, after, c.tenant)
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				ids, err := e.EventStore().ScanAggregateId(ctx, named, cursor, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTENANT")
				for _, id := range ids {
					fmt.Fprintf(w, "%s\t%s\n", id.ID, id.Tenant())
				}
				return w.Flush()
			})
		},
	}
	scan.Flags().StringVar(&after, "after", "", "resume after this aggregate id")
	scan.Flags().IntVar(&limit, "limit", 100, "maximum ids to list")

	events.AddCommand(load, scan)
	return events
}

func (c *cli) resendCmd() *cobra.Command {
	var head, tail uint64
	var all bool
	cmd := &cobra.Command{
		Use:   "resend <context.aggregate> [id]",
		Short: "Republish persisted event streams to the event bus",
		Long: `Republish persisted event streams without re-running business logic.

With an id, resends that aggregate's versions in [head, tail].
With --all, scans every aggregate of the type and resends each one.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && !all {
				return errors.New("aggregate id required (or pass --all)")
			}
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				var n int
				var err error
				if len(args) == 2 {
					id, idErr := c.aggregateID(args[0], args[1])
					if idErr != nil {
						return idErr
					}
					n, err = e.Resender().Resend(ctx, id, head, tail)
				} else {
					named, parseErr := modeling.ParseNamedAggregate(args[0])
					if parseErr != nil {
						return parseErr
					}
					n, err = e.Resender().ResendAll(ctx, named, head, tail)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resent %d event streams\n", n)
				return err
			})
		},
	}
	cmd.Flags().Uint64Var(&head, "head", modeling.InitialVersion, "first version (inclusive)")
	cmd.Flags().Uint64Var(&tail, "tail", modeling.MaxVersion, "last version (inclusive)")
	cmd.Flags().BoolVar(&all, "all", false, "resend every aggregate of the type")
	return cmd
}

func (c *cli) prepareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Inspect and release prepare key reservations",
	}
	get := &cobra.Command{
		Use:   "get <name> <key>",
		Short: "Print the live value of a prepared key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				k, err := app.PrepareKey[json.RawMessage](e, args[0])
				if err != nil {
					return err
				}
				v, err := k.GetValue(ctx, args[1])
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("%s:%s is not prepared", args[0], args[1])
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(v)
			})
		},
	}
	rollback := &cobra.Command{
		Use:   "rollback <name> <key>",
		Short: "Release a prepared key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd, func(ctx context.Context, e *app.Engine) error {
				k, err := app.PrepareKey[json.RawMessage](e, args[0])
				if err != nil {
					return err
				}
				ok, err := k.Rollback(ctx, args[1])
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintf(cmd.OutOrStdout(), "released %s:%s\n", args[0], args[1])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s:%s was not prepared\n", args[0], args[1])
				}
				return nil
			})
		},
	}
	cmd.AddCommand(get, rollback)
	return cmd
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the event bus and metrics endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			host := app.NewHost(c.configPath)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return server.NewEngine(host, server.WithVersion(version)).Start(ctx)
		},
	}
}
