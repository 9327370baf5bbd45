// Package wire implements the framed binary RPC used between a SoapyRemote
// client and server: a length-prefixed frame carrying a sequence of
// type-tagged values, all integers big-endian.
package wire

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// ProtocolVersion is this package's wire version, encoded on the frame
// header as major<<16|minor<<8|patch (0x000400 at the time of this design).
var ProtocolVersion = version.Must(version.NewVersion("0.4.0"))

// EncodeVersion packs a version into the 32-bit field carried by every
// frame header.
func EncodeVersion(v *version.Version) uint32 {
	seg := v.Segments()
	major, minor, patch := 0, 0, 0
	if len(seg) > 0 {
		major = seg[0]
	}
	if len(seg) > 1 {
		minor = seg[1]
	}
	if len(seg) > 2 {
		patch = seg[2]
	}
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}

// DecodeVersion unpacks a version field from a frame header.
func DecodeVersion(u uint32) *version.Version {
	major := (u >> 16) & 0xff
	minor := (u >> 8) & 0xff
	patch := u & 0xff
	v, err := version.NewVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
	if err != nil {
		// u is always a valid major.minor.patch triple; this cannot happen.
		return version.Must(version.NewVersion("0.0.0"))
	}
	return v
}

// rangeStepSupported reports whether the Range.step field should be
// exchanged: only when the peer advertises a version at least as new as
// ours, per spec's "current version" rule.
func rangeStepSupported(local, remote *version.Version) bool {
	if remote == nil {
		return false
	}
	return remote.GreaterThanOrEqual(local)
}
