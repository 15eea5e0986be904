package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalix/driver/internal/offercache"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in against a dispatch server running in dev mode",
		RunE:  runLogin,
	}
	cmd.Flags().String("phone", "", "driver phone number in E.164 form")
	_ = cmd.MarkFlagRequired("phone")
	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	a, err := loadAgent(cmd)
	if err != nil {
		return err
	}
	phone, _ := cmd.Flags().GetString("phone")
	if err := a.api.DevLogin(cmd.Context(), phone); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", phone)
	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and clear stored tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadAgent(cmd)
			if err != nil {
				return err
			}
			if err := a.api.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
}

func newOffersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "offers",
		Short: "List pending trip offers cached on this device",
		RunE:  runOffers,
	}
}

func runOffers(cmd *cobra.Command, _ []string) error {
	a, err := loadAgent(cmd)
	if err != nil {
		return err
	}
	pending, err := offercache.New(a.kv, time.Now).List(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pending) == 0 {
		fmt.Fprintln(out, "No pending offers")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OFFER\tTRIP\tEXPIRES IN")
	for _, o := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\n", o.OfferID, o.TripID, time.Until(o.ExpiresAt).Round(time.Second))
	}
	return w.Flush()
}
