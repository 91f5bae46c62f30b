// Package platform decides platform-dependent session behavior.
package platform

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"pkt.systems/shellwarden/core"
)

// PairingMode selects when the pairing flow is required.
type PairingMode string

const (
	// PairingAuto requires pairing only for network (wireless debugging) devices.
	PairingAuto PairingMode = "auto"
	// PairingAlways always requires pairing until it has been completed.
	PairingAlways PairingMode = "always"
	// PairingNever disables the pairing flow.
	PairingNever PairingMode = "never"
)

// ParsePairingMode validates a configured mode. Empty means auto.
func ParsePairingMode(value string) (PairingMode, error) {
	switch mode := PairingMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return PairingAuto, nil
	case PairingAuto, PairingAlways, PairingNever:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown pairing mode %q (want auto, always or never)", value)
	}
}

// PairingPredicate returns the predicate used by the session state.
func PairingPredicate(mode PairingMode, device string) core.PairingPredicate {
	switch mode {
	case PairingAlways:
		return func() bool { return true }
	case PairingNever:
		return func() bool { return false }
	default:
		network := IsNetworkDevice(device)
		return func() bool { return network }
	}
}

// IsNetworkDevice reports whether a device serial is a host:port endpoint
// rather than a USB serial number.
func IsNetworkDevice(serial string) bool {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return false
	}
	host, port, err := net.SplitHostPort(serial)
	if err != nil || host == "" {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n > 0 && n <= 65535
}
