package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotaledger/identity/jwt"
	"github.com/ineyio/quotaledger/payment/stripe"
)

func newWebhookCmd(open func(context.Context) (*app, error)) *cobra.Command {
	var signature string
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Verify a Stripe webhook read from stdin and apply it",
		Long: `Verify a Stripe webhook payload read from stdin against
$QUOTALEDGER_STRIPE_WEBHOOK_SECRET. Ticket checkouts credit the purchased
pack; replaying an already credited checkout is reported, not applied again.
customer.subscription.* events move the user between the free and pro plans.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}

			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			v := stripe.NewVerifier(a.env.StripeWebhookSecret, a.cfg.Tickets)
			event, err := v.VerifyEvent(payload, signature)
			if err != nil {
				return err
			}

			if stripe.IsSubscriptionEvent(event) {
				ch, err := v.PlanFromEvent(event)
				if errors.Is(err, stripe.ErrSubscriptionOwnerUnknown) {
					a.logger.Warn("subscription event without uid", "event", event.ID, "type", event.Type)
					fmt.Fprintln(a.out, "ignored: subscription has no uid")
					return nil
				}
				if err != nil {
					return err
				}
				res, err := a.engine.SetPlan(cmd.Context(), ch)
				if err != nil {
					return err
				}
				return a.printJSON(res)
			}

			ev, err := v.PurchaseFromEvent(event)
			if errors.Is(err, stripe.ErrNotTicketPurchase) {
				fmt.Fprintln(a.out, "ignored: not a ticket purchase")
				return nil
			}
			if err != nil {
				return err
			}

			res, err := a.engine.CreditTickets(cmd.Context(), ev)
			if err != nil {
				return err
			}
			return a.printJSON(res)
		},
	}
	cmd.Flags().StringVar(&signature, "signature", "", "Stripe-Signature header value")
	_ = cmd.MarkFlagRequired("signature")
	return cmd
}

func newWhoamiCmd(open func(context.Context) (*app, error)) *cobra.Command {
	var issue string
	cmd := &cobra.Command{
		Use:   "whoami [token]",
		Short: "Resolve a bearer token to a user id, or issue one with --issue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if a.env.JWTSecret == "" {
				return errors.New("QUOTALEDGER_JWT_SECRET is not set")
			}
			v := jwt.New([]byte(a.env.JWTSecret), jwt.WithIssuer(a.env.JWTIssuer))

			if issue != "" {
				token, err := v.Issue(issue, time.Hour)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, token)
				return nil
			}
			if len(args) == 0 {
				return errors.New("token argument or --issue is required")
			}
			uid, err := v.Authenticate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, uid)
			return nil
		},
	}
	cmd.Flags().StringVar(&issue, "issue", "", "issue a one-hour token for this user id")
	return cmd
}
