package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/host"
)

// deviceIDBytes is how much of the machine hash ends up in a DeviceID.
const deviceIDBytes = 6

// Fingerprinter returns a string that is stable for the lifetime of the
// machine installation.
type Fingerprinter func() (string, error)

// HostFingerprint reads the OS machine id, falling back to the hostname
// when the platform does not expose one.
func HostFingerprint() (string, error) { // A
	info, err := host.Info()
	if err == nil && strings.TrimSpace(info.HostID) != "" {
		return strings.TrimSpace(info.HostID), nil
	}
	name, herr := os.Hostname()
	if herr != nil || name == "" {
		return "", fmt.Errorf(
			"machine fingerprint unavailable: %w",
			errors.Join(err, herr),
		)
	}
	return "host:" + name, nil
}

// StaticFingerprint always returns s. Used by tests and by operators who
// pin the fingerprint in config.
func StaticFingerprint(s string) Fingerprinter { // A
	return func() (string, error) { return s, nil }
}

// DeviceID hashes a machine fingerprint into the short id that keys the
// peer directory. It does not depend on the ring phrase, so one phrase
// on two machines gives two distinct peers.
func DeviceID(fingerprint string) string { // A
	sum := sha256.Sum256([]byte("clipring/device/v1:" + fingerprint))
	return hex.EncodeToString(sum[:deviceIDBytes])
}

// LocalDeviceID is DeviceID over the given fingerprinter.
func LocalDeviceID(fp Fingerprinter) (string, error) { // A
	s, err := fp()
	if err != nil {
		return "", err
	}
	return DeviceID(s), nil
}
