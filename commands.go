package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"probefleet/internal/exporter"
)

// authorizedKeysUser is the only account probes open their tunnels as
const authorizedKeysUser = "dummy"

// authorizedKeysCmd is meant for sshd's AuthorizedKeysCommand: it prints the
// restricted key of every registered probe when asked about the tunnel account.
func authorizedKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorized-keys <user>",
		Short: "Print authorized_keys entries for the probe tunnel account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] != authorizedKeysUser {
				return nil
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			probes, err := a.store.GetAllProbes(cmd.Context())
			if err != nil {
				return err
			}
			return exporter.WriteAuthorizedKeys(cmd.OutOrStdout(), probes)
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage owners",
	}

	var admin bool
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			u, err := a.store.CreateUser(cmd.Context(), args[0], admin)
			if err != nil {
				return fmt.Errorf("creating %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (id %d, admin %t)\n", u.Username, u.ID, u.Admin)
			return nil
		},
	}
	add.Flags().BoolVar(&admin, "admin", false, "grant administrator rights")

	remove := &cobra.Command{
		Use:   "remove <username>",
		Short: "Delete an owner with all probes and credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			u, err := a.store.GetUser(ctx, args[0])
			if err != nil {
				return fmt.Errorf("loading %s: %w", args[0], err)
			}
			probes, err := a.store.GetProbesByUser(ctx, u.ID)
			if err != nil {
				return err
			}
			if err := a.store.DeleteUser(ctx, u.Username); err != nil {
				return err
			}
			for _, p := range probes {
				if err := a.exporter.RemoveProbe(p.CustomID); err != nil {
					a.logger.Warn("removing probe configs", "probe", p.CustomID, "error", err)
				}
			}
			if err := a.hostKeys.Publish(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s and %d probes\n", u.Username, len(probes))
			return nil
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export fleet data",
	}

	var output string
	excel := &cobra.Command{
		Use:   "excel",
		Short: "Write every probe to an Excel workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			probes, err := a.store.GetAllProbes(ctx)
			if err != nil {
				return err
			}
			users, err := a.store.GetAllUsers(ctx)
			if err != nil {
				return err
			}
			owners := make([]string, 0, len(users))
			for _, u := range users {
				owners = append(owners, u.Username)
			}
			statuses, err := a.tracker.Statuses(ctx, owners)
			if err != nil {
				a.logger.Warn("reading push status", "error", err)
			}

			f, err := os.Create(output)
			if err != nil {
				return err
			}
			if err := exporter.WriteFleetWorkbook(f, probes, statuses); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d probes to %s\n", len(probes), output)
			return nil
		},
	}
	excel.Flags().StringVarP(&output, "output", "o", "probes.xlsx", "workbook path")

	cmd.AddCommand(excel)
	return cmd
}
