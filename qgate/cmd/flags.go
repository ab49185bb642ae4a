package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quotegate/quotegate/source"
)

var (
	output    string
	input     string
	nonceHex  string
	subject   string
	registers []uint32
)

type registersFlag struct {
	value *[]uint32
}

func (f *registersFlag) Set(val string) error {
	for _, d := range strings.Split(val, ",") {
		reg, err := strconv.ParseUint(d, 10, 32)
		if err != nil {
			return err
		}
		if reg >= source.SimNumRegisters {
			return errors.New("register out of range")
		}
		*f.value = append(*f.value, uint32(reg))
	}
	return nil
}

func (f *registersFlag) Type() string {
	return "registers"
}

func (f *registersFlag) String() string {
	if len(*f.value) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d", (*f.value)[0])
	for _, reg := range (*f.value)[1:] {
		fmt.Fprintf(&b, ",%d", reg)
	}
	return b.String()
}

func addRegistersFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().Var(&registersFlag{&registers}, "registers",
		"comma separated list of register indices to quote")
}

func addNonceFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&nonceHex, "nonce", "",
		"hex encoded nonce issued by the verifier")
}

func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&output, "output", "",
		"output file (defaults to stdout)")
}

func addInputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&input, "input", "",
		"input file (defaults to stdin)")
}

func parseNonce() ([]byte, error) {
	if nonceHex == "" {
		return nil, errors.New("--nonce is required")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("--nonce is not valid hex: %v", err)
	}
	return nonce, nil
}

func readInput() ([]byte, error) {
	if input == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %v", err)
		}
		return data, nil
	}
	return os.ReadFile(input)
}

func writeOutput(data []byte) error {
	if output == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(output, data, 0644)
}
