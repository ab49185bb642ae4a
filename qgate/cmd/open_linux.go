package cmd

import (
	"io"

	"github.com/google/go-tpm/tpmutil"
)

func openTPMDevice(path string) (io.ReadWriteCloser, error) {
	return tpmutil.OpenTPM(path)
}
