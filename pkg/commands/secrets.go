package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/purview-connector/pkg/secrets"
)

// SecretsCmd manages the encrypted secrets file of the "file" provider.
var SecretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secrets file",
}

var secretsSealCmd = &cobra.Command{
	Use:   "seal NAME",
	Short: "Encrypt a secret into secrets.file_path",
	Long: `Encrypt a value with SECRETS_FILE_KEY and store it under NAME. The value is
read from --value or, when absent, from the first line of stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := fileProvider()
		if err != nil {
			return err
		}

		value, _ := cmd.Flags().GetString("value")
		if value == "" {
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read secret from stdin: %w", err)
			}
			value = strings.TrimRight(line, "\r\n")
		}
		if value == "" {
			return errors.New("secret value is empty")
		}

		if err := p.Seal(args[0], value); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sealed %s\n", args[0])
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the names stored in the secrets file",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := fileProvider()
		if err != nil {
			return err
		}
		names, err := p.Names()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

func init() {
	secretsSealCmd.Flags().String("value", "", "Secret value (prefer stdin to keep it out of shell history)")
	SecretsCmd.AddCommand(secretsSealCmd)
	SecretsCmd.AddCommand(secretsListCmd)
}

func fileProvider() (*secrets.FileProvider, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Secrets.Provider != "file" {
		return nil, fmt.Errorf("secrets provider is %q; sealing needs the file provider", cfg.Secrets.Provider)
	}
	return secrets.NewFileProvider(afero.NewOsFs(), cfg.Secrets.FilePath, cfg.Secrets.FileKey)
}
