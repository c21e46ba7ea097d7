// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package xcerr defines the coordinator's unified error taxonomy. Every
// public operation returns either a payload or one of these errors; codes
// are stable across releases since they are part of the RPC wire format.
package xcerr

import "fmt"

// Code is a stable numeric error code.
type Code int

const (
	InvalidParameters Code = iota + 1
	InvalidCurrency
	InvalidAddress
	InvalidAmount
	InvalidDetailLevel
	NoSession
	InsufficientFunds
	TransactionNotFound
	InvalidState
	NotExchangeNode
	Unauthorized
	Unknown
)

var names = map[Code]string{
	InvalidParameters:    "InvalidParameters",
	InvalidCurrency:      "InvalidCurrency",
	InvalidAddress:       "InvalidAddress",
	InvalidAmount:        "InvalidAmount",
	InvalidDetailLevel:   "InvalidDetailLevel",
	NoSession:            "NoSession",
	InsufficientFunds:    "InsufficientFunds",
	TransactionNotFound:  "TransactionNotFound",
	InvalidState:         "InvalidState",
	NotExchangeNode:      "NotExchangeNode",
	Unauthorized:         "Unauthorized",
	Unknown:              "Unknown",
}

// String returns the code's stable name, used verbatim in the RPC error
// response's "name" field.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return "Unknown"
}

// Error is the coordinator's unified error type. Context is a short
// human-readable explanation; it is not part of the stability contract,
// unlike Code.
type Error struct {
	Code    Code
	Context string
}

func (e *Error) Error() string {
	if e.Context == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Context)
}

// New builds an *Error with the given code and context.
func New(code Code, context string) *Error {
	return &Error{Code: code, Context: context}
}

// Newf builds an *Error with the given code and a formatted context.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Context: fmt.Sprintf(format, args...)}
}

// As extracts an *Error from err, if it is one.
func As(err error) (*Error, bool) {
	xe, ok := err.(*Error)
	return xe, ok
}
