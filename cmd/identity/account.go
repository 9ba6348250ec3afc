// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/holomush/identity/internal/auth"
)

// NewAccountCmd creates the account administration command group.
func NewAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Administer accounts",
	}
	cmd.AddCommand(newAccountCreateCmd())
	return cmd
}

func newAccountCreateCmd() *cobra.Command {
	var profile auth.Profile
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active account",
		Long: `Create an account directly in the Active state, skipping email
verification. The password is read from the terminal, or from the first
line of standard input when it is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAccountCreate(cmd, profile)
		},
	}
	cmd.Flags().StringVar(&profile.Email, "email", "", "email address (required)")
	cmd.Flags().StringVar(&profile.Username, "username", "", "username")
	cmd.Flags().StringVar(&profile.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&profile.DisplayName, "display-name", "", "display name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func runAccountCreate(cmd *cobra.Command, profile auth.Profile) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}

	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	svc, err := newServices(cfg, st, cmd.ErrOrStderr(), nil, logger)
	if err != nil {
		return err
	}

	reg, err := svc.accounts.Register(ctx, profile, password)
	if err != nil {
		return err
	}
	cmd.Printf("Created account %s\n", reg.Account.ID)
	return nil
}

// readPassword prompts on a terminal, or reads one line from a pipe.
func readPassword(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		cmd.PrintErr("Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		cmd.PrintErrln()
		if err != nil {
			return "", oops.Code("PASSWORD_READ_FAILED").Wrap(err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", oops.Code("PASSWORD_READ_FAILED").Wrap(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
