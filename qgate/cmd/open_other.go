//go:build !linux

package cmd

import (
	"fmt"
	"io"
)

func openTPMDevice(_ string) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("TPM device access is only supported on Linux")
}
