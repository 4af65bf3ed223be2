/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"github.com/gersonrivera27/STACKPOS/config"
	"github.com/gersonrivera27/STACKPOS/internal/db"
	"github.com/gersonrivera27/STACKPOS/internal/logging"
	"github.com/gersonrivera27/STACKPOS/internal/services"
	"github.com/gersonrivera27/STACKPOS/internal/store"
	"github.com/gersonrivera27/STACKPOS/types"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage POS accounts",
}

var createAccountFlags struct {
	username string
	email    string
	name     string
	role     string
	withPIN  bool
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account, prompting for its password and optional PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		role, ok := types.ParseRole(createAccountFlags.role)
		if !ok {
			return fmt.Errorf("unknown role %q", createAccountFlags.role)
		}

		password, err := promptSecret(cmd.ErrOrStderr(), "Password")
		if err != nil {
			return err
		}
		var pin string
		if createAccountFlags.withPIN {
			if pin, err = promptSecret(cmd.ErrOrStderr(), "PIN"); err != nil {
				return err
			}
		}

		svc, closeDB, err := openAccountService(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		account, err := svc.Create(cmd.Context(), services.NewAccount{
			Username: createAccountFlags.username,
			Email:    createAccountFlags.email,
			FullName: createAccountFlags.name,
			Role:     role,
			Password: password,
			PIN:      pin,
		})
		if errors.Is(err, store.ErrConflict) {
			return errors.New("username or email already exists")
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created account %d (%s, %s)\n", account.ID, account.Username, account.Role)
		return nil
	},
}

var accountsMigratePINsCmd = &cobra.Command{
	Use:   "migrate-pins",
	Short: "Hash every stored PIN that is still in plaintext",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeDB, err := openAccountService(cmd)
		if err != nil {
			return err
		}
		defer closeDB()

		migrated, err := svc.MigratePINs(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %d PIN(s)\n", migrated)
		return nil
	},
}

func openAccountService(cmd *cobra.Command) (*services.AccountService, func(), error) {
	cfg := config.LoadConfig()
	logger := logging.New(cfg)

	dbConn, err := db.Open(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := services.NewAccountService(store.NewAccountRepository(dbConn), logger)
	return svc, func() { _ = dbConn.Close() }, nil
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsCreateCmd)
	accountsCmd.AddCommand(accountsMigratePINsCmd)

	flags := accountsCreateCmd.Flags()
	flags.StringVar(&createAccountFlags.username, "username", "", "login name")
	flags.StringVar(&createAccountFlags.email, "email", "", "email address")
	flags.StringVar(&createAccountFlags.name, "name", "", "display name")
	flags.StringVar(&createAccountFlags.role, "role", string(types.RoleStaff), "admin, manager or staff")
	flags.BoolVar(&createAccountFlags.withPIN, "with-pin", false, "also prompt for a quick-login PIN")
	_ = accountsCreateCmd.MarkFlagRequired("username")
	_ = accountsCreateCmd.MarkFlagRequired("email")
}
