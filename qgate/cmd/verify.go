package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/logger"
	"github.com/spf13/cobra"

	"github.com/quotegate/quotegate/endorse"
	"github.com/quotegate/quotegate/verify"
)

var (
	corpusPath        string
	subjectKeyPath    string
	quoteKeyPath      string
	maxSkew           time.Duration
	credentialKeyPath string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify an evidence token",
	Long: `Verify an evidence token against the endorsed reference corpus.

The claimed subject's envelope key (--subject-key) and the measurement
source's attestation key (--quote-key) must both be provided; the token is
rejected if either signature fails. Exits nonzero on a rejected verdict.
With --credential-key, an accepted verdict is exchanged for a signed session
credential on stdout.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		nonce, err := parseNonce()
		if err != nil {
			return err
		}
		if subject == "" {
			return fmt.Errorf("--subject is required")
		}
		tokenBytes, err := readInput()
		if err != nil {
			return err
		}
		corpusData, err := os.ReadFile(corpusPath)
		if err != nil {
			return err
		}
		store, err := endorse.Load(corpusData)
		if err != nil {
			return err
		}
		envelopeKey, err := readPublicKey(subjectKeyPath)
		if err != nil {
			return fmt.Errorf("could not load envelope key: %v", err)
		}
		quoteKey, err := readPublicKey(quoteKeyPath)
		if err != nil {
			return fmt.Errorf("could not load quote key: %v", err)
		}

		roster := verify.NewRoster()
		if err := roster.Add(subject, verify.SubjectKeys{Envelope: envelopeKey, Quote: quoteKey}); err != nil {
			return err
		}
		verifier := verify.New(roster, store)
		if maxSkew > 0 {
			verifier.MaxSkew = maxSkew
		}

		now := time.Now()
		verdict := verifier.Verify(tokenBytes, nonce, now)
		logVerdict(verdict)
		if !verdict.Accepted {
			return fmt.Errorf("token rejected: %s", verdict.Reason)
		}

		if credentialKeyPath != "" {
			key, err := readECDSAKey(credentialKeyPath)
			if err != nil {
				return fmt.Errorf("could not load credential key: %v", err)
			}
			issuer := verify.CredentialIssuer{Key: key, Issuer: "qgate"}
			credential, err := issuer.Issue(verdict, "", now)
			if err != nil {
				return err
			}
			return writeOutput([]byte(credential + "\n"))
		}
		return nil
	},
}

func logVerdict(v *verify.Verdict) {
	if v.Accepted {
		logger.Infof("ACCEPTED subject=%q registers=%d", v.Subject, len(v.Registers))
	} else {
		logger.Errorf("REJECTED subject=%q reason=%s detail=%q", v.Subject, v.Reason, v.Detail)
	}
	for _, reg := range v.Registers {
		if reg.Status == verify.RegisterMatch {
			logger.Infof("  register %2d: %s", reg.Index, reg.Status)
		} else {
			logger.Errorf("  register %2d: %s (%s)", reg.Index, reg.Status, reg.Detail)
		}
	}
}

func init() {
	RootCmd.AddCommand(verifyCmd)
	addNonceFlag(verifyCmd)
	addInputFlag(verifyCmd)
	addOutputFlag(verifyCmd)
	verifyCmd.PersistentFlags().StringVar(&subject, "subject", "",
		"subject identity the token must claim")
	verifyCmd.PersistentFlags().StringVar(&corpusPath, "corpus", "",
		"path to the endorsed reference-value corpus (YAML)")
	verifyCmd.PersistentFlags().StringVar(&subjectKeyPath, "subject-key", "",
		"path to the subject's envelope public key (PEM)")
	verifyCmd.PersistentFlags().StringVar(&quoteKeyPath, "quote-key", "",
		"path to the measurement source's attestation public key (PEM)")
	verifyCmd.PersistentFlags().DurationVar(&maxSkew, "max-skew", 0,
		"allowed issued-at clock skew (default 300s)")
	verifyCmd.PersistentFlags().StringVar(&credentialKeyPath, "credential-key", "",
		"ECDSA key (PEM) for minting a session credential on acceptance")
}
