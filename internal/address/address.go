// Package address encodes the routable connect path handed to clients after a
// session is reserved. The path names both the container and the session so a
// later direct connection can be dispatched to the owning agent without asking
// the router again.
package address

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix is the leading segment of every connect path.
const Prefix = "/session/"

var ErrInvalidPath = errors.New("invalid session path")

// Encode returns /session/{containerId}/{sessionId}.
func Encode(containerID, sessionID string) (string, error) {
	if containerID == "" || sessionID == "" {
		return "", fmt.Errorf("%w: container and session ids are required", ErrInvalidPath)
	}
	if strings.Contains(containerID, "/") || strings.Contains(sessionID, "/") {
		return "", fmt.Errorf("%w: ids must not contain '/'", ErrInvalidPath)
	}
	return Prefix + containerID + "/" + sessionID, nil
}

// MustEncode is Encode for ids already known to be valid.
func MustEncode(containerID, sessionID string) string {
	p, err := Encode(containerID, sessionID)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode splits a connect path into the container id and everything after it.
// The suffix is returned verbatim.
func Decode(path string) (containerID, suffix string, err error) {
	rest, ok := strings.CutPrefix(path, Prefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q does not start with %s", ErrInvalidPath, path, Prefix)
	}
	containerID, suffix, ok = strings.Cut(rest, "/")
	if !ok || containerID == "" || suffix == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return containerID, suffix, nil
}

// ContainerPath is the path on the container itself that serves a session,
// i.e. the connect path with the container segment removed.
func ContainerPath(suffix string) string {
	return Prefix + suffix
}
