package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotaledger"
)

func newUsageCmd(open func(context.Context) (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <uid>",
		Short: "Print a user's quota snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.engine.Usage(cmd.Context(), args[0], time.Time{})
			if err != nil {
				return err
			}
			return a.printJSON(acct)
		},
	}
}

func newCreditCmd(open func(context.Context) (*app, error)) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "credit <uid> <event-id> <seconds>",
		Short: "Grant ticket seconds once per event id",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			seconds, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid seconds %q: %w", args[2], err)
			}

			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.CreditTickets(cmd.Context(), quotaledger.PurchaseEvent{
				UID:             args[0],
				ExternalEventID: args[1],
				Seconds:         seconds,
				Source:          source,
			})
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&source, "source", "manual", "source recorded on the purchase entry")
	return cmd
}

func newSchemaCmd(open func(context.Context) (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the backend tables (postgres only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.handle.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			if a.handle.Backend != quotaledger.BackendPostgres {
				fmt.Fprintf(a.out, "backend %s needs no schema\n", a.handle.Backend)
				return nil
			}
			fmt.Fprintln(a.out, "schema ready")
			return nil
		},
	}
}
