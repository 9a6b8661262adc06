package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"concord/pkg/codec"
	"concord/pkg/config"
)

func keygenCmd() *cobra.Command {
	var (
		out        string
		keyVersion string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key",
		Long: `Generate the signing key this server uses for its events and print the
verify key that peers list under verify_keys.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				cfg := config.Default()
				if configFile != "" {
					data, err := os.ReadFile(configFile)
					if err != nil {
						return fmt.Errorf("failed to read config file: %w", err)
					}
					if cfg, err = config.Parse(data); err != nil {
						return err
					}
				}
				out = cfg.SigningKeyPath
			}

			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", out)
				} else if !errors.Is(err, fs.ErrNotExist) {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o700); err != nil {
				return fmt.Errorf("failed to create key directory: %w", err)
			}

			key, err := codec.GenerateSigningKey(keyVersion)
			if err != nil {
				return err
			}
			if err := codec.SaveSigningKey(out, key); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Wrote %s to %s\n", key.ID, out)
			fmt.Fprintf(w, "Verify key: %s %s\n", key.ID, codec.EncodeVerifyKey(key.Public()))
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "key file path (default: signing_key_path from config)")
	cmd.Flags().StringVar(&keyVersion, "key-version", "1", "version suffix of the key id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
