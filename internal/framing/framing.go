// Package framing implements the deadline-bounded, length-prefixed
// host↔guest wire protocol named in spec §4.D: a 5-byte ASCII
// handshake, then 8-byte big-endian length-prefixed payload/response
// frames. Grounded on the teacher's interruptibleSleep idiom
// (orchestrator.go) for cancellable polling, generalized here into a
// read/write retry loop with exponential backoff instead of a fixed
// 100ms ticker, since framing deadlines (500ms-10s) are much tighter
// than the teacher's multi-second scenario timers.
package framing

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// ErrTimeout is returned when a read or write does not complete before
// its deadline.
var ErrTimeout = errors.New("framing: deadline exceeded")

// ErrUnexpectedEOF is returned when the peer closes the connection
// before the requested number of bytes has been transferred.
var ErrUnexpectedEOF = errors.New("framing: unexpected eof")

// HandshakeMagic is the fixed 5-byte ASCII handshake the guest writes
// once it is ready to accept a payload (spec §4.D).
const HandshakeMagic = "ready"

// initialBackoff is the starting delay between transient-error retries.
// The backoff doubles on each retry up to a ceiling equal to the
// call's own deadline, so a tight 500ms handshake deadline and a
// 10s response deadline each get backoff growth proportional to how
// much time they actually have.
const initialBackoff = 2 * time.Millisecond

// ReadExact reads exactly len(buf) bytes from conn, retrying partial
// reads with exponential backoff until either buf is full, ctx is
// canceled, or deadline elapses. A deadline of zero duration is
// treated as "no time left": ErrTimeout is returned without a read
// attempt.
func ReadExact(ctx context.Context, conn net.Conn, buf []byte, deadline time.Duration) error {
	return readExactAbs(ctx, conn, buf, time.Now().Add(deadline), deadline)
}

func readExactAbs(ctx context.Context, conn net.Conn, buf []byte, absDeadline time.Time, deadline time.Duration) error {
	off := 0
	return transfer(ctx, absDeadline, deadline, func(readDeadline time.Time) error {
		if err := conn.SetReadDeadline(readDeadline); err != nil {
			return err
		}
		n, err := io.ReadFull(conn, buf[off:])
		off += n
		return err
	})
}

// WriteAll writes all of buf to conn, retrying partial writes with
// exponential backoff until either the full buffer is written, ctx is
// canceled, or deadline elapses.
func WriteAll(ctx context.Context, conn net.Conn, buf []byte, deadline time.Duration) error {
	return writeAllAbs(ctx, conn, buf, time.Now().Add(deadline), deadline)
}

func writeAllAbs(ctx context.Context, conn net.Conn, buf []byte, absDeadline time.Time, deadline time.Duration) error {
	off := 0
	return transfer(ctx, absDeadline, deadline, func(writeDeadline time.Time) error {
		if err := conn.SetWriteDeadline(writeDeadline); err != nil {
			return err
		}
		n, err := conn.Write(buf[off:])
		off += n
		return err
	})
}

// transfer runs attempt against an absolute deadline, translating
// net.Error timeouts and io.EOF/io.ErrUnexpectedEOF into the package's
// sentinel errors. io.ReadFull/conn.Write already retry internally up
// to the deadline via the net.Conn's own deadline mechanism, so a
// single attempt covers the common case; the backoff loop exists for
// EAGAIN-style transient errors some net.Conn implementations (e.g.
// unix sockets under load) can surface mid-call. The backoff ceiling
// is the call's own deadline, so retries on a generous response
// deadline can grow much larger than retries on a tight handshake one.
func transfer(ctx context.Context, absDeadline time.Time, deadline time.Duration, attempt func(time.Time) error) error {
	backoff := initialBackoff
	maxBackoffStep := deadline
	if maxBackoffStep <= 0 {
		maxBackoffStep = initialBackoff
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if !now.Before(absDeadline) {
			return ErrTimeout
		}

		err := attempt(absDeadline)
		if err == nil {
			return nil
		}

		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrUnexpectedEOF
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout
		}

		// Transient error: back off and retry if time remains.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoffStep {
			backoff = maxBackoffStep
		}
	}
}

// WriteLengthPrefixed writes an 8-byte big-endian length followed by
// payload, or eight zero bytes and no body when payload is empty (spec
// §4.D, HandshakeOk → PayloadSent).
func WriteLengthPrefixed(ctx context.Context, conn net.Conn, payload []byte, deadline time.Duration) error {
	absDeadline := time.Now().Add(deadline)

	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(len(payload)))

	if err := writeAllAbs(ctx, conn, header[:], absDeadline, deadline); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return writeAllAbs(ctx, conn, payload, absDeadline, deadline)
}

// ReadLengthPrefixed reads an 8-byte big-endian length followed by
// exactly that many bytes (spec §4.D, PayloadSent → ResponseReceived).
// A zero-length response is valid and returns a non-nil empty slice.
func ReadLengthPrefixed(ctx context.Context, conn net.Conn, deadline time.Duration) ([]byte, error) {
	absDeadline := time.Now().Add(deadline)

	var header [8]byte
	if err := readExactAbs(ctx, conn, header[:], absDeadline, deadline); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(header[:])
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if err := readExactAbs(ctx, conn, buf, absDeadline, deadline); err != nil {
		return nil, err
	}
	return buf, nil
}
