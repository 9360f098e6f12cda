package main

import (
	"fmt"

	"github.com/agrios/offline/internal/config"
	"github.com/agrios/offline/internal/secrets"
	"github.com/spf13/cobra"
)

func newSecretsCmd(a *app) *cobra.Command {
	secretsCmd := &cobra.Command{
		Use:     "secrets",
		GroupID: "admin",
		Short:   "Encrypt or decrypt the env secret file",
		Long: `Encrypt or decrypt the env secret file with a password taken from the
environment variable named by secrets.password_env (AGRIOS_SECRETS_PASSWORD
by default).

Encrypted layout: salt(16) || nonce(16) || tag(16) || ciphertext, AES-256-GCM
with a PBKDF2-SHA256 key (210000 iterations).`,
	}

	// secretPaths lets positional args override the configured paths.
	secretPaths := func(args []string, in, out string) (string, string) {
		if len(args) > 0 {
			in = args[0]
		}
		if len(args) > 1 {
			out = args[1]
		}
		return in, out
	}

	encryptCmd := &cobra.Command{
		Use:   "encrypt [plaintext] [encrypted]",
		Short: "Encrypt the env file",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			in, out := secretPaths(args, cfg.Secrets.EnvPath, cfg.Secrets.EncryptedPath)
			if err := secrets.EncryptFile(in, out, cfg.SecretsPassword()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Encrypted %s -> %s\n", in, out)
			return nil
		},
	}

	decryptCmd := &cobra.Command{
		Use:   "decrypt [encrypted] [plaintext]",
		Short: "Decrypt the env file",
		Long: `Decrypt the env file. The output is written only if the password and the
file are both valid; on failure nothing is written.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			in, out := secretPaths(args, cfg.Secrets.EncryptedPath, cfg.Secrets.EnvPath)
			if err := secrets.DecryptFile(in, out, cfg.SecretsPassword()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Decrypted %s -> %s\n", in, out)
			return nil
		},
	}

	secretsCmd.AddCommand(encryptCmd, decryptCmd)
	return secretsCmd
}
