package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"concord/pkg/transport"
	"concord/pkg/types"
)

func certCmd() *cobra.Command {
	var caDir string

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Manage federation TLS certificates",
	}
	cmd.PersistentFlags().StringVar(&caDir, "ca-dir", "./data/ca", "directory holding ca.crt and ca.key")

	cmd.AddCommand(certCACmd(&caDir), certIssueCmd(&caDir))
	return cmd
}

func certCACmd(caDir *string) *cobra.Command {
	var (
		name     string
		validity time.Duration
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Create the certificate authority shared by the federation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := transport.OpenCertAuthority(*caDir)
			if err != nil {
				return err
			}
			if ca.Certificate() != nil && !force {
				return fmt.Errorf("%s already exists, use --force to replace it", ca.CertPath())
			}
			if err := ca.Generate(name, validity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created CA %q in %s (expires %s)\n",
				ca.Certificate().Subject.CommonName, *caDir,
				ca.Certificate().NotAfter.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "concord", "CA common name prefix")
	cmd.Flags().DurationVar(&validity, "validity", 10*365*24*time.Hour, "CA lifetime")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing CA")
	return cmd
}

func certIssueCmd(caDir *string) *cobra.Command {
	var (
		server   string
		hosts    []string
		outDir   string
		validity time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a server certificate signed by the CA",
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				return fmt.Errorf("--server is required")
			}
			ca, err := transport.OpenCertAuthority(*caDir)
			if err != nil {
				return err
			}

			certPath := filepath.Join(outDir, server+".crt")
			keyPath := filepath.Join(outDir, server+".key")
			if err := ca.IssueFiles(types.ServerName(server), hosts, validity, certPath, keyPath); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Issued certificate for %s\n", server)
			fmt.Fprintf(w, "  cert_file: %s\n  key_file:  %s\n  ca_file:   %s\n", certPath, keyPath, ca.CertPath())
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server name the certificate is issued to")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "additional DNS names or IPs")
	cmd.Flags().StringVar(&outDir, "out-dir", ".", "directory for the certificate and key")
	cmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate lifetime")
	return cmd
}
