package logfile

import (
	"fmt"
	"strings"

	"replog/pkg/logerrors"
)

// Policy decides what replay does with a record whose frame is intact but
// whose payload fails validation.
type Policy uint8

const (
	// PolicySkip logs the record, drops it and keeps reading.
	PolicySkip Policy = iota
	// PolicyFail stops the sequence with ErrCorruptRecord.
	PolicyFail
)

func (p Policy) String() string {
	switch p {
	case PolicySkip:
		return "skip"
	case PolicyFail:
		return "fail"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "skip", "skip-and-log":
		return PolicySkip, nil
	case "fail", "fail-fast":
		return PolicyFail, nil
	}
	return 0, fmt.Errorf("%w: unknown recovery policy %q", logerrors.ErrInvalidArgument, s)
}
