package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"bridge-core/internal/custody"
	"bridge-core/pkg/config"
	"bridge-core/pkg/crypto"
	"bridge-core/pkg/db"
	"bridge-core/pkg/i18n"

	"github.com/spf13/cobra"
)

func newVaultCmd(getCfg func() *config.Config) *cobra.Command {
	vault := &cobra.Command{
		Use:   "vault",
		Short: "Manage the sealed recovery phrase",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Seal a recovery phrase under a local secret",
		Long: "Reads the recovery phrase and then the secret from stdin, one per line,\n" +
			"and stores the sealed vault in the local database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return importVault(cmd, getCfg())
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the addresses of the stored vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getCfg()
			database, err := openDatabase(cfg.DBPath)
			if err != nil {
				return err
			}
			defer database.Close()

			v, err := database.GetVault(cmd.Context(), cfg.VaultIdentity)
			if errors.Is(err, db.ErrNotFound) {
				fmt.Fprintln(cmd.OutOrStdout(), i18n.Get("VaultMissing"))
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity:   %s\n", v.Identity)
			fmt.Fprintf(out, "l1 address: %s\n", v.L1Address)
			fmt.Fprintf(out, "l2 address: %s\n", v.L2Address)
			fmt.Fprintf(out, "updated:    %s\n", v.UpdatedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}

	vault.AddCommand(importCmd, statusCmd)
	return vault
}

func importVault(cmd *cobra.Command, cfg *config.Config) error {
	in := bufio.NewReader(cmd.InOrStdin())
	prompt := cmd.ErrOrStderr()

	fmt.Fprint(prompt, "recovery phrase: ")
	phrase, err := readLine(in)
	if err != nil {
		return err
	}
	fmt.Fprint(prompt, "secret: ")
	secret, err := readLine(in)
	if err != nil {
		return err
	}
	fmt.Fprintln(prompt)

	key := []byte(secret)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	v, err := custody.SealVault(cfg.VaultIdentity, phrase, key, crypto.DefaultKDFParams())
	if err != nil {
		return err
	}

	database, err := openDatabase(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.SaveVault(cmd.Context(), v); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), i18n.Get("VaultImported")+"\n", v.L1Address)
	fmt.Fprintf(cmd.OutOrStdout(), "l2 address: %s\n", v.L2Address)
	return nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}
