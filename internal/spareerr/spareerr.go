// Package spareerr holds the sentinel error taxonomy named in spec §7.
// Wrapped with fmt.Errorf("...: %w", err) chains and checked with
// errors.Is, matching the teacher's own error handling: no
// errors-package dependency (no pkg/errors, no multierr) appears
// anywhere in the example pack, so none is introduced here either.
package spareerr

import "errors"

var (
	ErrTooManyHops           = errors.New("too many hops")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrPeerUnreachable       = errors.New("peer unreachable")
	ErrPeerRejected          = errors.New("peer rejected request")
	ErrVMCreate              = errors.New("vm create failed")
	ErrVMStart               = errors.New("vm start failed")
	ErrVMKill                = errors.New("vm kill failed")
	ErrSocketBind            = errors.New("socket bind failed")
	ErrHandshake             = errors.New("handshake failed")
	ErrFramingEOF            = errors.New("framing unexpected eof")
	ErrFramingTimeout        = errors.New("framing timeout")
	ErrPersistence           = errors.New("persistence failure")
)
