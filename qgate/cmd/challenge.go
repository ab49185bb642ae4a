package cmd

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/logger"
	"github.com/spf13/cobra"

	"github.com/quotegate/quotegate/verify"
)

var sessionMaterialHex string

var challengeCmd = &cobra.Command{
	Use:   "challenge",
	Short: "Issue a fresh channel-bound nonce",
	Long: `Issue a single-use nonce derived from session-unique transport
material (for example a handshake hash). The nonce is printed as hex and
handed to the attester; the token it returns must quote exactly this nonce.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		var material []byte
		if sessionMaterialHex != "" {
			var err error
			if material, err = hex.DecodeString(sessionMaterialHex); err != nil {
				return fmt.Errorf("--session-material is not valid hex: %v", err)
			}
		}
		ledger := verify.NewLedger(0)
		ch, err := ledger.Issue(material, time.Now())
		if err != nil {
			return err
		}
		logger.Infof("issued %s, expires %s", ch.Name, ch.ExpiresAt.Format(time.RFC3339))
		return writeOutput([]byte(hex.EncodeToString(ch.Nonce) + "\n"))
	},
}

func init() {
	RootCmd.AddCommand(challengeCmd)
	addOutputFlag(challengeCmd)
	challengeCmd.PersistentFlags().StringVar(&sessionMaterialHex, "session-material", "",
		"hex encoded session-unique material to bind the nonce to")
}
