//go:build !linux

package handshake

import (
	"io"
	"os"
)

func redirectStdout(out io.WriteCloser) error {
	os.Stdout = os.Stderr
	return out.Close()
}
