package cmd

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-tpm/tpmutil"
	"github.com/google/logger"
	"github.com/spf13/cobra"

	"github.com/quotegate/quotegate/attester"
	"github.com/quotegate/quotegate/source"
)

var (
	keyPath      string
	useSim       bool
	simExtends   []string
	simAKPubOut  string
	tpmPath      string
	akHandle     uint32
	quoteTimeout time.Duration
)

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Build an evidence token",
	Long: `Build an evidence token over the selected measurement registers,
bound to the verifier-issued nonce.

The quote comes from a real TPM device (--tpm-path, --ak-handle) or from the
software source (--sim). With --sim, --extend index:hexdata seeds register
state and --ak-pub-out records the simulated attestation public key so a
verifier can be pointed at it.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		nonce, err := parseNonce()
		if err != nil {
			return err
		}
		if subject == "" {
			return fmt.Errorf("--subject is required")
		}
		if len(registers) == 0 {
			return fmt.Errorf("--registers is required")
		}
		signer, err := readSigningKey(keyPath)
		if err != nil {
			return fmt.Errorf("could not load envelope signing key: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), quoteTimeout)
		defer cancel()

		src, cleanup, err := openSource(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		builder := attester.Builder{
			Source:  src,
			Subject: subject,
			Signer:  signer,
			KeyID:   keyPath,
		}
		tokenBytes, err := builder.BuildEvidence(ctx, nonce, registers)
		if err != nil {
			return err
		}
		logger.Infof("built evidence token for %q over registers %v (%d bytes)",
			subject, registers, len(tokenBytes))
		return writeOutput(tokenBytes)
	},
}

func openSource(ctx context.Context) (source.Source, func(), error) {
	if useSim {
		sim, err := source.NewSim()
		if err != nil {
			return nil, nil, err
		}
		for _, ext := range simExtends {
			idx, data, err := parseExtend(ext)
			if err != nil {
				return nil, nil, err
			}
			if err := sim.Extend(ctx, idx, data); err != nil {
				return nil, nil, err
			}
		}
		if simAKPubOut != "" {
			if err := writeSimAKPub(sim); err != nil {
				return nil, nil, err
			}
		}
		return sim, func() {}, nil
	}

	rwc, err := openTPMDevice(tpmPath)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open TPM at %q: %v", tpmPath, err)
	}
	return source.NewTPM(rwc, tpmutil.Handle(akHandle)), func() { rwc.Close() }, nil
}

func parseExtend(spec string) (uint32, []byte, error) {
	idxStr, dataStr, found := strings.Cut(spec, ":")
	if !found {
		return 0, nil, fmt.Errorf("--extend %q: expected index:hexdata", spec)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("--extend %q: bad index: %v", spec, err)
	}
	data, err := hex.DecodeString(dataStr)
	if err != nil {
		return 0, nil, fmt.Errorf("--extend %q: bad hex data: %v", spec, err)
	}
	return uint32(idx), data, nil
}

func writeSimAKPub(sim *source.Sim) error {
	der, err := x509.MarshalPKIXPublicKey(sim.PublicKey())
	if err != nil {
		return err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return os.WriteFile(simAKPubOut, pem.EncodeToMemory(block), 0644)
}

func init() {
	RootCmd.AddCommand(attestCmd)
	addNonceFlag(attestCmd)
	addRegistersFlag(attestCmd)
	addOutputFlag(attestCmd)
	attestCmd.PersistentFlags().StringVar(&subject, "subject", "",
		"subject identity claimed by the token")
	attestCmd.PersistentFlags().StringVar(&keyPath, "key", "",
		"path to the PEM envelope signing key")
	attestCmd.PersistentFlags().BoolVar(&useSim, "sim", false,
		"use the software measurement source")
	attestCmd.PersistentFlags().StringArrayVar(&simExtends, "extend", nil,
		"with --sim: extend a register before quoting, as index:hexdata")
	attestCmd.PersistentFlags().StringVar(&simAKPubOut, "ak-pub-out", "",
		"with --sim: write the simulated attestation public key to this PEM file")
	attestCmd.PersistentFlags().StringVar(&tpmPath, "tpm-path", "/dev/tpmrm0",
		"path to the TPM character device")
	attestCmd.PersistentFlags().Uint32Var(&akHandle, "ak-handle", 0x81008F01,
		"persistent handle of the attestation key")
	attestCmd.PersistentFlags().DurationVar(&quoteTimeout, "timeout", 10*time.Second,
		"deadline for the measurement source quote")
}
