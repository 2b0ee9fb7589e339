// Package sysinfo gathers host identity (hostname, arch, os) and detects
// init-system socket activation. Socket activation has no analogue in the
// retrieval pack (see DESIGN.md's standard-library-only justification), so
// it is implemented directly against os/net rather than a third-party
// library.
package sysinfo

import (
	"net"
	"os"
	"strconv"
)

const listenFDsStart = 3 // fd 0,1,2 are stdio; systemd hands off from fd 3.

// InheritedListener returns the first listener inherited via the
// LISTEN_FDS convention (set by an init system doing socket activation), or
// nil if none was inherited.
func InheritedListener() (net.Listener, error) {
	countStr := os.Getenv("LISTEN_FDS")
	if countStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil || count <= 0 {
		return nil, nil
	}

	f := os.NewFile(uintptr(listenFDsStart), "listen-fd")
	if f == nil {
		return nil, nil
	}
	l, err := net.FileListener(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}
