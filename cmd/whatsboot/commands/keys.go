package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/whatsboot/pkg/whatsboot/config"
)

// keyNames maps CLI names to keyring entries.
var keyNames = map[string]string{
	"openai":  config.KeyOpenAI,
	"gateway": config.KeyGatewayToken,
}

func keyringEntry(name string) (string, error) {
	entry, ok := keyNames[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown key %q (want openai or gateway)", name)
	}
	return entry, nil
}

// newKeysCmd creates the `whatsboot keys` command group.
func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage secrets stored in the OS keyring",
		Long: `Store or remove secrets in the operating system keyring. Keyring
values take precedence over the environment and the config file.

Examples:
  whatsboot keys set openai
  echo "$TOKEN" | whatsboot keys set gateway
  whatsboot keys delete openai`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:       "set <openai|gateway>",
		Short:     "Store a secret",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"openai", "gateway"},
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := keyringEntry(args[0])
			if err != nil {
				return err
			}
			secret, err := config.ReadSecret(fmt.Sprintf("Enter %s secret: ", args[0]))
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("empty secret, nothing stored")
			}
			if err := config.StoreKeyring(entry, secret); err != nil {
				return fmt.Errorf("storing in keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s secret stored in OS keyring.\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "delete <openai|gateway>",
		Short:     "Remove a secret",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"openai", "gateway"},
		RunE: func(cmd *cobra.Command, args []string) error {
			entry, err := keyringEntry(args[0])
			if err != nil {
				return err
			}
			if err := config.DeleteKeyring(entry); err != nil {
				return fmt.Errorf("removing from keyring: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s secret removed.\n", args[0])
			return nil
		},
	})

	return cmd
}
