package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Registry database management",
		Long:  "Commands for creating and checking the thread registry table.",
	}
	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBCheckCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the thread registry table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd)
		},
	}
}

func runDBMigrate(cmd *cobra.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.reg.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Registry table %q is up to date.\n", a.reg.Table())
	return nil
}

func newDBCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Compare the registry table with the expected schema",
		Long: "Reports registry columns that are missing or have an unexpected type.\n" +
			"The command fails when any are found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBCheck(cmd)
		},
	}
}

func runDBCheck(cmd *cobra.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	warnings, err := a.reg.ValidateSchema(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(warnings) == 0 {
		fmt.Fprintf(out, "Registry table %q matches the expected schema.\n", a.reg.Table())
		return nil
	}
	for _, w := range warnings {
		fmt.Fprintf(out, "  - %s\n", w)
	}
	return fmt.Errorf("registry table %q has %d schema problem(s)", a.reg.Table(), len(warnings))
}
