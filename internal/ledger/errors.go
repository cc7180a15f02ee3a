package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
)

// ErrNotFound marks a ledger read for an absent resource. The facade turns it
// into a nil payload instead of returning it.
var ErrNotFound = stderrors.New("not found on ledger")

// ConnectionError means the ledger could not be reached or authenticated
// against. It fails the current call; the next call reconnects.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("ledger connection failed (%s): %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) ErrorCode() errors.Code { return errors.ErrCodeUnavailable }

// TransientError is a network-class failure that is always retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient ledger error: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) ErrorCode() errors.Code { return errors.ErrCodeUnavailable }

// WriteConflictError is an optimistic-concurrency rejection from the
// ledger's validation phase. Only writes retry it.
type WriteConflictError struct {
	Err error
}

func (e *WriteConflictError) Error() string { return "ledger write conflict: " + e.Err.Error() }

func (e *WriteConflictError) Unwrap() error { return e.Err }

func (e *WriteConflictError) ErrorCode() errors.Code { return errors.ErrCodeConflict }

// CommitRejectedError is returned when a submitted transaction was ordered
// but marked invalid by the committing peers.
type CommitRejectedError struct {
	TxID string
	Code peer.TxValidationCode
}

func (e *CommitRejectedError) Error() string {
	return fmt.Sprintf("transaction %s failed to commit with status %s", e.TxID, e.Code.String())
}

// Class is the retry classification of a ledger error.
type Class int

const (
	ClassTerminal Class = iota
	ClassTransient
	ClassConflict
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassConflict:
		return "conflict"
	case ClassNotFound:
		return "not_found"
	default:
		return "terminal"
	}
}

// Classify inspects typed errors first, then gRPC status codes, then commit
// validation codes, and only falls back to message text for errors that
// crossed an untyped boundary.
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var (
		transient *TransientError
		conflict  *WriteConflictError
		conn      *ConnectionError
		rejected  *CommitRejectedError
	)
	switch {
	case stderrors.Is(err, ErrNotFound):
		return ClassNotFound
	case stderrors.As(err, &transient):
		return ClassTransient
	case stderrors.As(err, &conflict):
		return ClassConflict
	case stderrors.As(err, &conn):
		return ClassTerminal
	case stderrors.As(err, &rejected):
		switch rejected.Code {
		case peer.TxValidationCode_MVCC_READ_CONFLICT, peer.TxValidationCode_PHANTOM_READ_CONFLICT:
			return ClassConflict
		}
		return ClassTerminal
	case stderrors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case stderrors.Is(err, context.Canceled):
		return ClassTerminal
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return ClassTransient
		case codes.Aborted:
			return classifyAborted(st)
		case codes.NotFound:
			return ClassNotFound
		}
		// Chaincode errors arrive as Unknown with the contract's message.
		return classifyText(st.Message())
	}

	return classifyText(err.Error())
}

// classifyAborted separates MVCC conflicts from endorsement failures. The
// gateway reports both as Aborted, so only the message and the per-peer
// details tell them apart. Endorsement rejections are deterministic.
func classifyAborted(st *status.Status) Class {
	texts := []string{st.Message()}
	for _, d := range st.Details() {
		if ed, ok := d.(*gateway.ErrorDetail); ok {
			texts = append(texts, ed.GetMessage())
		}
	}
	msg := strings.ToLower(strings.Join(texts, " "))
	switch {
	case containsAny(msg, conflictMarkers):
		return ClassConflict
	case containsAny(msg, notFoundMarkers):
		return ClassNotFound
	}
	return ClassTerminal
}

var (
	notFoundMarkers  = []string{"not found", "does not exist"}
	transientMarkers = []string{
		"deadline exceeded", "timeout", "timed out", "unavailable",
		"econnreset", "connection reset", "econnrefused", "connection refused",
		"failed to connect", "no connection established",
	}
	conflictMarkers = []string{"mvcc", "phantom", "snapshot-isolation", "snapshot isolation", "conflict"}
)

func classifyText(msg string) Class {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, notFoundMarkers):
		return ClassNotFound
	case containsAny(msg, transientMarkers):
		return ClassTransient
	case containsAny(msg, conflictMarkers):
		return ClassConflict
	}
	return ClassTerminal
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Retryable reports whether err warrants another attempt.
func Retryable(err error, isWrite bool) bool {
	switch Classify(err) {
	case ClassTransient:
		return true
	case ClassConflict:
		return isWrite
	}
	return false
}
