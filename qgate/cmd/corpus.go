package cmd

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/logger"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quotegate/quotegate/endorse"
	"github.com/quotegate/quotegate/token"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Work with reference-value corpora",
	Args:  cobra.NoArgs,
}

var corpusLintCmd = &cobra.Command{
	Use:   "lint",
	Short: "Validate a corpus document offline",
	Long: `Parse and validate a reference-value corpus the same way the
verifier does at load time, reporting every conflict found.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := readInput()
		if err != nil {
			return err
		}
		refs, err := endorse.ParseCorpus(data)
		if err != nil {
			return err
		}
		subjects := make(map[string]int)
		for _, rv := range refs {
			subjects[rv.Subject]++
		}
		logger.Infof("corpus OK: %d reference values across %d subjects", len(refs), len(subjects))
		return nil
	},
}

var corpusInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Emit a golden corpus entry from an evidence token",
	Long: `Read an evidence token and write a corpus entry endorsing exactly
the register values it quotes. Used to enroll a known-good platform; the
token's signatures are NOT checked here, so only run this against evidence
collected over a trusted path.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		tokenBytes, err := readInput()
		if err != nil {
			return err
		}
		env, err := token.DecodeEnvelope(tokenBytes)
		if err != nil {
			return err
		}
		claims, err := env.Claims()
		if err != nil {
			return err
		}

		entry := endorse.CorpusEntry{Subject: claims.Subject}
		indices := make([]int, 0, len(claims.Quote.Registers))
		for idx := range claims.Quote.Registers {
			indices = append(indices, int(idx))
		}
		sort.Ints(indices)
		for _, idx := range indices {
			entry.Registers = append(entry.Registers, endorse.CorpusRegister{
				Index:   uint32(idx),
				Digests: []string{hex.EncodeToString(claims.Quote.Registers[uint32(idx)])},
			})
		}
		corpus := endorse.Corpus{Version: 1, Entries: []endorse.CorpusEntry{entry}}
		out, err := yaml.Marshal(&corpus)
		if err != nil {
			return fmt.Errorf("failed to render corpus: %v", err)
		}
		logger.Infof("endorsing %d registers for %q", len(entry.Registers), claims.Subject)
		return writeOutput(out)
	},
}

func init() {
	RootCmd.AddCommand(corpusCmd)
	corpusCmd.AddCommand(corpusLintCmd)
	corpusCmd.AddCommand(corpusInitCmd)
	addInputFlag(corpusCmd)
	addOutputFlag(corpusCmd)
}
