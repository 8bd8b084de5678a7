// Package xerrors carries the error-handling taxonomy of the validator
// core: sentinel classes checked with errors.Is, each with a policy
// consequence attached, binding the recovery action to the error value
// itself instead of re-deriving it at every call site.
package xerrors

import (
	"errors"
	"fmt"
)

// Class identifies which of the taxonomy's policy buckets an error belongs
// to.
type Class int

const (
	ClassConfiguration Class = iota
	ClassTransientNetwork
	ClassProtocolViolation
	ClassValidation
	ClassConsensus
	ClassStorage
	ClassLogicBug
)

func (c Class) String() string {
	switch c {
	case ClassConfiguration:
		return "configuration"
	case ClassTransientNetwork:
		return "transient_network"
	case ClassProtocolViolation:
		return "protocol_violation"
	case ClassValidation:
		return "validation"
	case ClassConsensus:
		return "consensus"
	case ClassStorage:
		return "storage"
	case ClassLogicBug:
		return "logic_bug"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is for coarse-grained class matching.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrTransient     = errors.New("transient network error")
	ErrProtocol      = errors.New("peer protocol violation")
	ErrValidation    = errors.New("validation failure")
	ErrStorage       = errors.New("storage error")
	ErrLogicBug      = errors.New("unreachable condition reached")
)

func sentinelFor(c Class) error {
	switch c {
	case ClassConfiguration:
		return ErrConfiguration
	case ClassTransientNetwork:
		return ErrTransient
	case ClassProtocolViolation:
		return ErrProtocol
	case ClassValidation:
		return ErrValidation
	case ClassStorage:
		return ErrStorage
	case ClassLogicBug:
		return ErrLogicBug
	default:
		return nil
	}
}

// PolicyError attaches the taxonomy class and recovery policy fields used
// throughout the gateway and bridge: BanScoreDelta for peer-protocol
// violations, Fatal for conditions that must halt the node.
type PolicyError struct {
	Class         Class
	BanScoreDelta int
	Disconnect    bool
	Fatal         bool
	Err           error
}

func (e *PolicyError) Error() string {
	if e == nil || e.Err == nil {
		return fmt.Sprintf("%s error", e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *PolicyError) Unwrap() error {
	if e == nil {
		return nil
	}
	if s := sentinelFor(e.Class); s != nil {
		return s
	}
	return e.Err
}

func Configf(format string, args ...any) error {
	return &PolicyError{Class: ClassConfiguration, Fatal: true, Err: fmt.Errorf(format, args...)}
}

func Transientf(format string, args ...any) error {
	return &PolicyError{Class: ClassTransientNetwork, Err: fmt.Errorf(format, args...)}
}

// Protocolf constructs a peer-protocol violation with the given ban-score
// increment. These always lead to disconnect + restriction.
func Protocolf(banDelta int, format string, args ...any) error {
	return &PolicyError{Class: ClassProtocolViolation, BanScoreDelta: banDelta, Disconnect: true, Err: fmt.Errorf(format, args...)}
}

func Validationf(format string, args ...any) error {
	return &PolicyError{Class: ClassValidation, Err: fmt.Errorf(format, args...)}
}

// Storagef wraps a storage I/O error. These are always fatal.
func Storagef(format string, args ...any) error {
	return &PolicyError{Class: ClassStorage, Fatal: true, Err: fmt.Errorf(format, args...)}
}

// LogicBug wraps a condition the design declares unreachable. Callers
// should treat this like a panic path: log and crash, never swallow it.
func LogicBug(format string, args ...any) error {
	return &PolicyError{Class: ClassLogicBug, Fatal: true, Err: fmt.Errorf(format, args...)}
}

func IsFatal(err error) bool {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.Fatal
	}
	return false
}

func BanScoreDelta(err error) int {
	var pe *PolicyError
	if errors.As(err, &pe) {
		return pe.BanScoreDelta
	}
	return 0
}
