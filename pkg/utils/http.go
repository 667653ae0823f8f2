package utils

import "io"

// maxDrain bounds how much of an unread body we consume before closing.
const maxDrain = 64 << 10

// DrainAndClose drains (up to maxDrain) and closes rc so the transport can reuse the connection.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.CopyN(io.Discard, rc, maxDrain)
	return rc.Close()
}
