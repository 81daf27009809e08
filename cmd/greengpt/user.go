package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/goodtune/greengpt/internal/web"
	"github.com/spf13/cobra"
)

var userPassword string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage web interface users",
}

var userAddCmd = &cobra.Command{
	Use:   "add [flags] USERNAME",
	Short: "Create a user or replace its password",
	Example: `  greengpt user add --password 's3cret' alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runUserAdd,
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Args:  cobra.NoArgs,
	RunE:  runUserList,
}

var userDeleteCmd = &cobra.Command{
	Use:   "delete USERNAME",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runUserDelete,
}

func init() {
	userAddCmd.Flags().StringVarP(&userPassword, "password", "p", "", "Password for the user (required)")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userDeleteCmd)
	rootCmd.AddCommand(userCmd)
}

func runUserAdd(cmd *cobra.Command, args []string) error {
	_, store, err := loadForCommand()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	user, err := web.CreateUser(context.Background(), store.Users(), args[0], userPassword)
	if err != nil {
		return err
	}

	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "User %s saved (id %s)\n", user.Username, user.ID)
	return nil
}

func runUserList(cmd *cobra.Command, args []string) error {
	_, store, err := loadForCommand()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	users, err := store.Users().List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan, color.Bold)
	_, _ = cyan.Fprintf(out, "%-20s  %-36s  %s\n", "USERNAME", "ID", "LAST LOGIN")
	for _, u := range users {
		lastLogin := "never"
		if u.LastLogin != nil {
			lastLogin = u.LastLogin.Local().Format("2006-01-02 15:04:05")
		}
		_, _ = fmt.Fprintf(out, "%-20s  %-36s  %s\n", u.Username, u.ID, lastLogin)
	}
	return nil
}

func runUserDelete(cmd *cobra.Command, args []string) error {
	_, store, err := loadForCommand()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.Users().Delete(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete user %s: %w", args[0], err)
	}

	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(cmd.OutOrStdout(), "User %s deleted\n", args[0])
	return nil
}
