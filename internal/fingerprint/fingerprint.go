// Package fingerprint derives stable device identifiers from raw
// hardware traits supplied by the caller. Nothing here touches the OS:
// collection happens on the client, combination and hashing happen here.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Components holds the raw hardware identifiers a client submits.
// Any field may be empty; missing components are omitted from the
// digests deterministically so the same hardware always reproduces
// the same pair.
type Components struct {
	MACAddress        string `json:"mac_address,omitempty"`
	CPUID             string `json:"cpu_id,omitempty"`
	MotherboardSerial string `json:"motherboard_serial,omitempty"`
	DiskSerial        string `json:"disk_serial,omitempty"`
	SystemUUID        string `json:"system_uuid,omitempty"`
	Platform          string `json:"platform,omitempty"`
	OSVersion         string `json:"os_version,omitempty"`
	Hostname          string `json:"hostname,omitempty"`
}

// Identity is the derived identifier pair. InstallationFingerprint is
// the weaker bucketing identifier; HardwareSignature is the strong
// identifier used for binding decisions.
type Identity struct {
	InstallationFingerprint string `json:"installation_fingerprint"`
	HardwareSignature       string `json:"hardware_signature"`
}

// Resolve computes both identifiers from the supplied components.
// Pure function: same input, same output, no side effects.
//
// The fingerprint digests install-flavored traits that change when the
// OS is reinstalled; the signature digests only physically persistent
// traits. Reinstalling on the same machine therefore yields a new
// fingerprint under the old signature, which is the exact shape
// reset-attempt detection looks for.
func Resolve(c Components) Identity {
	return Identity{
		InstallationFingerprint: digest(
			c.MACAddress,
			c.Hostname,
			c.Platform,
			c.OSVersion,
		),
		HardwareSignature: digest(
			c.MACAddress,
			c.CPUID,
			c.MotherboardSerial,
			c.DiskSerial,
			c.SystemUUID,
		),
	}
}

// digest joins the non-empty factors in the given order and hashes them.
// The order is part of the wire contract and must never change.
func digest(factors ...string) string {
	present := make([]string, 0, len(factors))
	for _, f := range factors {
		f = normalize(f)
		if f != "" {
			present = append(present, f)
		}
	}

	sum := sha256.Sum256([]byte(strings.Join(present, "|")))
	return hex.EncodeToString(sum[:])
}

// normalize lowercases and trims a raw component so cosmetic differences
// in client collection do not change the derived identifiers.
func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
