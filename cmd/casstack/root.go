package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/casstack"
	"github.com/unkn0wn-root/casstack/config"
)

type app struct {
	stack      *config.Stack
	collection []string
	ttl        time.Duration
	initial    int64
}

// store resolves the --collection path on the configured stack.
func (a *app) store() casstack.Store {
	s := a.stack.Store
	for _, name := range a.collection {
		s = s.Collection(name)
	}
	return s
}

func (a *app) expire() casstack.Expire {
	if a.ttl <= 0 {
		return casstack.Never
	}
	return casstack.In(a.ttl)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "casstack",
		Short:         "Operate on a casstack store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			c, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			a.stack, err = config.Build(cmd.Context(), c)
			return err
		},
	}
	config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().StringSliceVar(&a.collection, "collection", nil, "collection path, outermost first")

	ttl := func(c *cobra.Command) *cobra.Command {
		c.Flags().DurationVar(&a.ttl, "ttl", 0, "expiration; 0 = never")
		return c
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "get [key]...",
			Short: "Print the values of keys; missing keys are skipped",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				items, err := a.store().GetMulti(cmd.Context(), args)
				if err != nil {
					return err
				}
				for _, k := range args {
					if it, ok := items[k]; ok {
						fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", k, it.Value)
					}
				}
				if len(items) == 0 {
					return fmt.Errorf("not found")
				}
				return nil
			},
		},
		ttl(a.write("set", "Store a value", casstack.Store.Set)),
		ttl(a.write("add", "Store a value only if the key is absent", casstack.Store.Add)),
		ttl(a.write("replace", "Store a value only if the key is present", casstack.Store.Replace)),
		&cobra.Command{
			Use:   "delete [key]...",
			Short: "Delete keys",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				res, err := a.store().DeleteMulti(cmd.Context(), args)
				if err != nil {
					return err
				}
				for _, k := range args {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", k, res[k])
				}
				return nil
			},
		},
		a.counter("incr", "Increment a counter", casstack.Store.Increment),
		a.counter("decr", "Decrement a counter, never below zero", casstack.Store.Decrement),
		ttl(&cobra.Command{
			Use:   "touch [key]",
			Short: "Change the expiration of a present key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ok, err := a.store().Touch(cmd.Context(), args[0], a.expire())
				return report(cmd, ok, err)
			},
		}),
		&cobra.Command{
			Use:   "flush",
			Short: "Remove every key of the selected collection (or everything)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ok, err := a.store().Flush(cmd.Context())
				return report(cmd, ok, err)
			},
		},
	)
	for _, c := range root.Commands() {
		c.RunE = a.closing(c.RunE)
	}
	return root
}

// closing releases the stack after run, whether it failed or not.
func (a *app) closing(run func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		defer func() {
			if a.stack.WriteMetrics(cmd.ErrOrStderr()) {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if cerr := a.stack.Close(cmd.Context()); err == nil {
				err = cerr
			}
		}()
		return run(cmd, args)
	}
}

type writeFn func(casstack.Store, context.Context, string, []byte, casstack.Expire) (bool, error)

func (a *app) write(use, short string, fn writeFn) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [key] [value]",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := fn(a.store(), cmd.Context(), args[0], []byte(args[1]), a.expire())
			return report(cmd, ok, err)
		},
	}
}

type counterFn func(casstack.Store, context.Context, string, int64, int64, casstack.Expire) (int64, bool, error)

func (a *app) counter(use, short string, fn counterFn) *cobra.Command {
	c := &cobra.Command{
		Use:   use + " [key] [offset]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset := int64(1)
			if len(args) == 2 {
				n, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return fmt.Errorf("offset must be a number: %w", err)
				}
				offset = n
			}
			n, ok, err := fn(a.store(), cmd.Context(), args[0], offset, a.initial, a.expire())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s failed: value is not a counter or arguments are negative", use)
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	c.Flags().Int64Var(&a.initial, "initial", 0, "value stored when the key is absent")
	c.Flags().DurationVar(&a.ttl, "ttl", 0, "expiration; 0 = never")
	return c
}

func report(cmd *cobra.Command, ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("not stored")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "ok")
	return nil
}
