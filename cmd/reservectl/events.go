package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/diagnosis/bus-reserve/pkg/auth"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/events"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Work with the NATS event stream",
	}
	cmd.AddCommand(eventsTailCmd())
	return cmd
}

func eventsTailCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print audit and reservation events as they are published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			bus, err := events.NewNATSEventBus(cfg.NATS.URL)
			if err != nil {
				return err
			}
			defer bus.Close()

			out := cmd.OutOrStdout()
			err = bus.Subscribe(subject, func(msg *events.Message) {
				fmt.Fprintf(out, "%s %s %s\n", msg.Timestamp.Format(time.RFC3339), msg.Subject, msg.Data)
			})
			if err != nil {
				return err
			}
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", events.AuditPrefix+">", "NATS subject to follow")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		sub   int64
		email string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin audit API",
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.NewAccessToken(sub, email, role, "audit", config.Load().Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&sub, "sub", 1, "Subject id")
	cmd.Flags().StringVar(&email, "email", "", "Operator e-mail")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "Role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	return cmd
}
