//go:build !unix

package playback

import (
	"errors"
	"os"
)

var errPauseUnsupported = errors.New("pausing playback is not supported on this platform")

func suspend(*os.Process) error {
	return errPauseUnsupported
}

func resume(*os.Process) error {
	return nil
}
