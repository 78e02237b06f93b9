//go:build linux

package handshake

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// retired keeps the original stdout File reachable. Its finalizer would
// otherwise close descriptor 1 after the redirect.
var retired []io.WriteCloser

// redirectStdout duplicates stderr over descriptor 1, which closes the
// parent's pipe and leaves writes that bypass os.Stdout on stderr.
func redirectStdout(out io.WriteCloser) error {
	f, ok := out.(*os.File)
	if !ok {
		return out.Close()
	}
	if err := dupOver(os.Stderr, f); err != nil {
		return err
	}
	retired = append(retired, f)
	os.Stdout = os.Stderr
	return nil
}

func dupOver(src, dst *os.File) error {
	return unix.Dup3(int(src.Fd()), int(dst.Fd()), 0)
}
