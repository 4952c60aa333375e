package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/technosupport/ts-license/internal/license"
)

type runWith func(run func(cmd *cobra.Command, args []string, b *backend) error) func(*cobra.Command, []string) error

func runIssueCommand(with runWith) *cobra.Command {
	var (
		req    license.IssueRequest
		period string
		start  string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license",
		RunE: with(func(cmd *cobra.Command, _ []string, b *backend) error {
			if req.CustomerName == "" {
				return errors.New("--customer is required")
			}
			kind, err := license.ParsePeriodKind(period)
			if err != nil {
				return err
			}
			req.Period = kind
			if start != "" {
				if req.StartAt, err = time.Parse(time.RFC3339, start); err != nil {
					return errors.Wrap(err, "--start")
				}
			}

			lic, err := b.engine.IssueLicense(cmd.Context(), req)
			if err != nil {
				return err
			}
			cmd.Printf("License issued: %s\n", lic.Key)
			printLicense(cmd.OutOrStdout(), lic, b.engine.Now())
			return nil
		}),
	}

	cmd.Flags().StringVar(&req.CustomerName, "customer", "", "Customer name")
	cmd.Flags().StringVar(&req.CustomerEmail, "email", "", "Customer email")
	cmd.Flags().StringVar(&req.ProductName, "product", "", "Product name (default from config)")
	cmd.Flags().StringVar(&req.PlanType, "plan", "", "Plan type (default from config)")
	cmd.Flags().StringVar(&period, "period", string(license.PeriodYearly), "monthly, quarterly, yearly or lifetime")
	cmd.Flags().IntVar(&req.MaxDevices, "max-devices", 0, "Device limit (default from config)")
	cmd.Flags().IntVar(&req.MaxUsers, "max-users", 0, "User limit (default from config)")
	cmd.Flags().StringVar(&start, "start", "", "Activation time, RFC3339 (default now)")
	cmd.Flags().StringVar(&req.Notes, "notes", "", "Free-form notes")
	return cmd
}

func runRenewCommand(with runWith) *cobra.Command {
	var period, reason string

	cmd := &cobra.Command{
		Use:   "renew <license-key>",
		Short: "Extend a license by one period",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			kind, err := license.ParsePeriodKind(period)
			if err != nil {
				return err
			}
			lic, entry, err := b.engine.RenewLicense(cmd.Context(), license.RenewRequest{
				LicenseKey: args[0],
				Period:     kind,
				Reason:     reason,
			})
			if err != nil {
				return err
			}
			cmd.Printf("Renewed %s: %s -> %s\n", lic.Key, isoDate(entry.OldExpiry), isoDate(entry.NewExpiry))
			return nil
		}),
	}

	cmd.Flags().StringVar(&period, "period", string(license.PeriodYearly), "monthly, quarterly, yearly or lifetime")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the renewal log")
	return cmd
}

func runRevokeCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <license-key>",
		Short: "Deactivate a license",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			lic, err := b.engine.RevokeLicense(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("License %s revoked\n", lic.Key)
			return nil
		}),
	}
}

func runReinstateCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "reinstate <license-key>",
		Short: "Reactivate a revoked license",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			lic, err := b.engine.ReinstateLicense(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Printf("License %s reinstated\n", lic.Key)
			return nil
		}),
	}
}

func runShowCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "show <license-key>",
		Short: "Show a license with its devices and renewals",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			ins, err := b.engine.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printLicense(out, ins.License, b.engine.Now())

			if len(ins.Bindings) > 0 {
				fmt.Fprintln(out, "\nDevices:")
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "HARDWARE ID\tACTIVE\tFIRST SEEN\tLAST SEEN\tCOUNT")
				for _, d := range ins.Bindings {
					fmt.Fprintf(tw, "%s\t%t\t%s\t%s\t%d\n", d.HardwareID, d.Active, isoTime(d.FirstSeenAt), isoTime(d.LastSeenAt), d.AccessCount)
				}
				tw.Flush()
			}
			if len(ins.Renewals) > 0 {
				fmt.Fprintln(out, "\nRenewals:")
				for _, e := range ins.Renewals {
					fmt.Fprintf(out, "  %s  %s  %s -> %s  by %s  %s\n",
						isoTime(e.RenewedAt), e.PeriodKind, isoDate(e.OldExpiry), isoDate(e.NewExpiry), e.RenewedBy, e.Reason)
				}
			}
			return nil
		}),
	}
}

func runListCommand(with runWith) *cobra.Command {
	var (
		activeOnly bool
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List licenses, newest first",
		RunE: with(func(cmd *cobra.Command, _ []string, b *backend) error {
			f := license.ListFilter{Limit: limit, Offset: offset}
			if activeOnly {
				active := true
				f.Active = &active
			}
			licenses, err := b.engine.List(cmd.Context(), f)
			if err != nil {
				return err
			}

			now := b.engine.Now()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tPLAN\tPERIOD\tEXPIRES\tDAYS\tDEVICES\tACTIVE")
			for _, l := range licenses {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%t\n",
					l.Key, l.PlanType, l.PeriodKind, isoDate(l.ExpiresAt), l.DaysRemaining(now), l.MaxDevices, l.Active)
			}
			return tw.Flush()
		}),
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active licenses")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	return cmd
}

func runVerifyCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <license-key> <hardware-id>",
		Short: "Verify or activate a device, exactly as a client would",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			d, err := b.engine.Verify(cmd.Context(), args[0], args[1], b.engine.Now())
			if err != nil {
				return err
			}
			if !d.Accepted {
				return errors.New(d.Message())
			}
			cmd.Printf("%s: %d days remaining, verification %d\n", d.Message(), d.DaysRemaining, d.Binding.AccessCount)
			return nil
		}),
	}
}

func runDeactivateCommand(with runWith) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <license-key> <hardware-id>",
		Short: "Free the device slot held by a hardware id",
		Args:  cobra.ExactArgs(2),
		RunE: with(func(cmd *cobra.Command, args []string, b *backend) error {
			if err := b.engine.Deactivate(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			cmd.Println("License deactivated")
			return nil
		}),
	}
}

func runCreateAdminCommand(with runWith) *cobra.Command {
	var username, email, password, role string

	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin API account",
		RunE: with(func(cmd *cobra.Command, _ []string, b *backend) error {
			if username == "" || password == "" {
				return errors.New("--username and --password are required")
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}
			a, err := b.accounts.CreateAdmin(cmd.Context(), username, email, password, role)
			if errors.Is(err, license.ErrConflict) {
				cmd.Printf("Admin '%s' already exists\n", username)
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Printf("Admin '%s' created with role %s\n", a.Username, a.Role)
			return nil
		}),
	}

	cmd.Flags().StringVar(&username, "username", "", "Login name")
	cmd.Flags().StringVar(&email, "email", "", "Contact email")
	cmd.Flags().StringVar(&password, "password", "", "Initial password")
	cmd.Flags().StringVar(&role, "role", "", "superadmin, admin or viewer (default admin)")
	return cmd
}

func printLicense(w io.Writer, l *license.License, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Key:\t%s\n", l.Key)
	fmt.Fprintf(tw, "Customer:\t%s <%s>\n", l.CustomerName, l.CustomerEmail)
	fmt.Fprintf(tw, "Product:\t%s / %s\n", l.ProductName, l.PlanType)
	fmt.Fprintf(tw, "Period:\t%s\n", l.PeriodKind)
	fmt.Fprintf(tw, "Activated:\t%s\n", isoTime(l.ActivatedAt))
	fmt.Fprintf(tw, "Expires:\t%s (%d days)\n", isoTime(l.ExpiresAt), l.DaysRemaining(now))
	fmt.Fprintf(tw, "Limits:\t%d devices, %d users\n", l.MaxDevices, l.MaxUsers)
	fmt.Fprintf(tw, "Active:\t%t\n", l.Active)
	tw.Flush()
}

func isoTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func isoDate(t time.Time) string { return t.UTC().Format(time.DateOnly) }
