package protocol

import "fmt"

// FSVersion is a forward-secrecy protocol version, major in the high
// byte and minor in the low byte.
type FSVersion uint32

// Known forward-secrecy versions.
const (
	FSVersionUnspecified FSVersion = 0
	FSVersion1_0         FSVersion = 0x0100
	FSVersion1_1         FSVersion = 0x0101
	FSVersion1_2         FSVersion = 0x0102
)

// String renders the version as "major.minor".
func (v FSVersion) String() string {
	if v == FSVersionUnspecified {
		return "unspecified"
	}
	return fmt.Sprintf("%d.%d", uint32(v)>>8, uint32(v)&0xff)
}

// OrDefault maps an unspecified version to 1.0, which is how peers that
// predate version negotiation are treated.
func (v FSVersion) OrDefault() FSVersion {
	if v == FSVersionUnspecified {
		return FSVersion1_0
	}
	return v
}

// VersionRange is an inclusive range of forward-secrecy versions.
type VersionRange struct {
	Min FSVersion
	Max FSVersion
}

// DefaultVersionRange is the range supported by this implementation.
var DefaultVersionRange = VersionRange{Min: FSVersion1_0, Max: FSVersion1_2}

// Contains reports whether v lies within the range.
func (r VersionRange) Contains(v FSVersion) bool {
	return v >= r.Min && v <= r.Max
}

// Negotiate returns the version both sides apply: the lower of the two
// maxima. ok is false when the ranges do not overlap. Versions above the
// local maximum are accepted in the remote range but never chosen.
func (r VersionRange) Negotiate(remote VersionRange) (FSVersion, bool) {
	remoteMin := remote.Min.OrDefault()
	remoteMax := remote.Max.OrDefault()
	if remoteMax < remoteMin {
		return 0, false
	}
	applied := r.Max
	if remoteMax < applied {
		applied = remoteMax
	}
	lowest := r.Min
	if remoteMin > lowest {
		lowest = remoteMin
	}
	if applied < lowest {
		return 0, false
	}
	return applied, true
}

func (r VersionRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Min, r.Max)
}
