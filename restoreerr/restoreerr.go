// Package restoreerr defines the stable, enumerable error kinds a restore
// attempt can fail with, replacing a log.Fatalln/panic-based exception
// flow with explicit wrapped errors.
package restoreerr

import "github.com/pkg/errors"

// Kind is a stable, enumerable restore failure category.
type Kind int

const (
	Unknown Kind = iota
	BadTicket
	TicketMismatchECID
	TicketMismatchNonce
	TicketMismatchIdentity
	DeviceNotFound
	UnexpectedMode
	TransitionTimeout
	SendFailed
	ManifestMissing
	ManifestMalformed
	NoSuchVersion
	NoSignedVersion
	DownloadFailed
	DigestMismatch
	ExternalRestoreFailed
	PatchedBootloaderUnavailable
)

func (k Kind) String() string {
	switch k {
	case BadTicket:
		return "BadTicket"
	case TicketMismatchECID:
		return "TicketMismatch.ECID"
	case TicketMismatchNonce:
		return "TicketMismatch.Nonce"
	case TicketMismatchIdentity:
		return "TicketMismatch.Identity"
	case DeviceNotFound:
		return "DeviceNotFound"
	case UnexpectedMode:
		return "UnexpectedMode"
	case TransitionTimeout:
		return "TransitionTimeout"
	case SendFailed:
		return "SendFailed"
	case ManifestMissing:
		return "ManifestMissing"
	case ManifestMalformed:
		return "ManifestMalformed"
	case NoSuchVersion:
		return "NoSuchVersion"
	case NoSignedVersion:
		return "NoSignedVersion"
	case DownloadFailed:
		return "DownloadFailed"
	case DigestMismatch:
		return "DigestMismatch"
	case ExternalRestoreFailed:
		return "ExternalRestoreFailed"
	case PatchedBootloaderUnavailable:
		return "PatchedBootloaderUnavailable"
	default:
		return "Unknown"
	}
}

// Error is a restore failure carrying a stable Kind alongside its cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a restoreerr.Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a restoreerr.Error of kind around cause. The new Error always
// carries kind, even when cause is itself a *restoreerr.Error, so KindOf
// reports the outer kind; the inner one stays reachable through Unwrap.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: errors.WithStack(cause)}
}

// As reports whether err (or something it wraps) is a *restoreerr.Error,
// and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err if it is (or wraps) a *restoreerr.Error,
// otherwise Unknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Unknown
}

// Retryable reports whether the §7 propagation policy allows one local
// retry for this kind: DigestMismatch on a cached file may be retried
// once after deleting it; everything else (notably TransitionTimeout) is
// not retried locally.
func Retryable(kind Kind) bool {
	return kind == DigestMismatch
}
