package devices

import (
	"errors"
	"strings"
)

// Fingerprint identifies a physical device across re-registrations.
type Fingerprint struct {
	MAC      string `json:"mac,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// ErrEmptyFingerprint is returned when no identifying field is set.
var ErrEmptyFingerprint = errors.New("fingerprint: mac, serial and hostname are all empty")

// Normalize trims fields and canonicalizes the MAC address.
func (f Fingerprint) Normalize() Fingerprint {
	mac := strings.ToLower(strings.TrimSpace(f.MAC))
	mac = strings.ReplaceAll(mac, "-", ":")
	return Fingerprint{
		MAC:      mac,
		Serial:   strings.TrimSpace(f.Serial),
		Hostname: strings.ToLower(strings.TrimSpace(f.Hostname)),
	}
}

// Key returns the deduplication key. MAC wins over serial, serial over hostname.
func (f Fingerprint) Key() (string, error) {
	n := f.Normalize()
	switch {
	case n.MAC != "":
		return "mac:" + n.MAC, nil
	case n.Serial != "":
		return "sn:" + n.Serial, nil
	case n.Hostname != "":
		return "host:" + n.Hostname, nil
	default:
		return "", ErrEmptyFingerprint
	}
}
