package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/diagnosis/bus-reserve/internal/app"
	"github.com/diagnosis/bus-reserve/internal/domain"
)

func validateCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "validate [phone]",
		Short: "Check whether a phone may make a pay-on-board reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Validation.CheckReservationValidation(ctx, domain.ValidationOptions{Phone: args[0], Language: lang})
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVarP(&lang, "lang", "l", "", "Response language (defaults to BUS_API_LANG)")
	return cmd
}

// canProceedCmd validates first because the cache only lives for one process.
func canProceedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can-proceed [phone]",
		Short: "Validate a phone and report whether a reservation may proceed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				a.Validation.CheckReservationValidation(ctx, domain.ValidationOptions{Phone: args[0]})
				return printJSON(cmd.OutOrStdout(), a.Validation.CanProceedToReservation(args[0]))
			})
		},
	}
}

func reserveCmd() *cobra.Command {
	var opts domain.ReserveOptions
	cmd := &cobra.Command{
		Use:   "reserve [order-id]",
		Short: "Reserve the tickets of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || orderID <= 0 {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res := a.Reservations.CreateReservation(ctx, orderID, opts)
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.Success {
					return fmt.Errorf("reservation failed: %s", res.Error.Code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.Phone, "phone", "p", "", "Passenger phone (required)")
	cmd.Flags().StringVar(&opts.Phone2, "phone2", "", "Secondary phone")
	cmd.Flags().StringVarP(&opts.Email, "email", "e", "", "Passenger e-mail")
	cmd.Flags().StringVar(&opts.Info, "info", "", "Free-text note for the carrier")
	cmd.Flags().StringVarP(&opts.Language, "lang", "l", "", "Response language")
	cmd.MarkFlagRequired("phone")
	return cmd
}
