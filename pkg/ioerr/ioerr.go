// Package ioerr defines the dispatcher-wide error taxonomy as a typed
// error so callers can dispatch on it with errors.As.
package ioerr

import (
	"errors"
	"fmt"
)

// Code is one of the dispatcher's terminal error classes.
type Code int

const (
	Ok Code = iota
	Unknown
	InvalidCode
	Cancelled
	FileOpenFailed
	FileNotOpen
	ReadError
	WriteError
	NotFound
	CorruptToc
	UnknownChunkId
	UnknownRequest
	InvalidParameter
	SignatureError
	InvalidEncryptionKey
	CompressionFailed
	Unsupported
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case Unknown:
		return "Unknown"
	case InvalidCode:
		return "InvalidCode"
	case Cancelled:
		return "Cancelled"
	case FileOpenFailed:
		return "FileOpenFailed"
	case FileNotOpen:
		return "FileNotOpen"
	case ReadError:
		return "ReadError"
	case WriteError:
		return "WriteError"
	case NotFound:
		return "NotFound"
	case CorruptToc:
		return "CorruptToc"
	case UnknownChunkId:
		return "UnknownChunkId"
	case UnknownRequest:
		return "UnknownRequest"
	case InvalidParameter:
		return "InvalidParameter"
	case SignatureError:
		return "SignatureError"
	case InvalidEncryptionKey:
		return "InvalidEncryptionKey"
	case CompressionFailed:
		return "CompressionFailed"
	case Unsupported:
		return "Unsupported"
	default:
		return "InvalidCode"
	}
}

// Error is the concrete error type returned across the dispatcher's
// public API. Context fields are filled in as available; zero values
// are omitted from the message.
type Error struct {
	Code      Code
	Message   string
	Container string
	ChunkId   string
	Block     int
	Path      string
	Cause     error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Container != "" {
		s += fmt.Sprintf(" (container=%s)", e.Container)
	}
	if e.ChunkId != "" {
		s += fmt.Sprintf(" (chunk=%s)", e.ChunkId)
	}
	if e.Block != 0 {
		s += fmt.Sprintf(" (block=%d)", e.Block)
	}
	if e.Path != "" {
		s += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no context.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds an *Error around a lower-level cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf extracts the Code from err, or Unknown if err is not (or does
// not wrap) an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
