package nettable

import (
	"context"
	"errors"

	"github.com/DobryySoul/nettable/internal/codec"
	"github.com/DobryySoul/nettable/internal/session"
	"github.com/DobryySoul/nettable/internal/storage"
)

var (
	// ErrUnknownKey indicates that no entry has the requested name.
	ErrUnknownKey = errors.New("nettable: unknown key")
	// ErrTypeMismatch indicates a write or read with a type other than the entry's.
	ErrTypeMismatch = errors.New("nettable: type mismatch")
	// ErrUnknownType indicates a value type with no registered codec.
	ErrUnknownType = errors.New("nettable: unknown value type")
	// ErrTableFull indicates that every entry id is in use.
	ErrTableFull = errors.New("nettable: table full")
	// ErrClosed indicates that the node has been closed.
	ErrClosed = errors.New("nettable: node is closed")
	// ErrTimeout indicates that the context deadline expired.
	ErrTimeout = errors.New("nettable: operation timed out")
	// ErrCanceled indicates that the context was canceled.
	ErrCanceled = errors.New("nettable: operation canceled")
)

// Errors passed to the error handler by sessions. Match them with errors.Is.
var (
	ErrProtocolViolation   = session.ErrProtocolViolation
	ErrUnsupportedRevision = session.ErrUnsupportedRevision
	ErrTransportFault      = session.ErrTransportFault
)

func mapContextErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		if errors.Is(err, context.Canceled) {
			return ErrCanceled
		}
		return err
	}
	return nil
}

func mapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrUnknownKey):
		return ErrUnknownKey
	case errors.Is(err, storage.ErrTypeMismatch), errors.Is(err, codec.ErrTypeMismatch):
		return ErrTypeMismatch
	case errors.Is(err, codec.ErrUnknownType), errors.Is(err, codec.ErrNotComplex):
		return ErrUnknownType
	case errors.Is(err, storage.ErrTableFull):
		return ErrTableFull
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCanceled
	}
	return err
}
