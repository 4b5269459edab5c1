package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/brensch/formexport/internal/crypto"

	"github.com/spf13/cobra"
)

var keygenFromSecret string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a form key pair, or derive the public key of an existing secret key",
	Long: `Prints a new base64 NaCl box key pair. The public key is given to the form;
keep the secret key safe, it is the only way to decrypt the form's submissions.

With --from-secret-file, prints the public key belonging to an existing secret key.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipDBAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if keygenFromSecret != "" {
			b, err := os.ReadFile(keygenFromSecret)
			if err != nil {
				return fmt.Errorf("failed to read secret key file %s: %w", keygenFromSecret, err)
			}
			pk, err := crypto.PublicKeyFor(strings.TrimSpace(string(b)))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "public key: %s\n", pk)
			return nil
		}

		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "public key: %s\nsecret key: %s\n", kp.PublicKey, kp.SecretKey)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenFromSecret, "from-secret-file", "", "Derive the public key of the secret key stored in this file")
}
