package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/cspcore/crypto"
	"github.com/opd-ai/cspcore/identity"
	"github.com/opd-ai/cspcore/protocol"
)

func keygenCmd() *cobra.Command {
	var (
		nickname string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "keygen <identity>",
		Short: "Generate a key pair for an identity and write the key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := protocol.Identity(args[0])
			if err := id.Validate(); err != nil {
				return err
			}
			if _, err := os.Stat(cfg.KeyFile); err == nil && !force {
				return fmt.Errorf("%s exists, use --force to overwrite", cfg.KeyFile)
			}

			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			local, err := identity.NewLocal(id, kp, nickname)
			if err != nil {
				return err
			}
			defer local.Close()
			if err := local.Save(cfg.KeyFile); err != nil {
				return err
			}

			pub := local.PublicKey()
			fmt.Printf("Identity: %s\nPublic key: %x\nKey file: %s\n", id, pub[:], cfg.KeyFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&nickname, "nickname", "", "nickname sent with messages")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}
