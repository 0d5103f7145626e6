// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package dbusprops

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrorKind classifies why a property value could not be demarshaled.
type ErrorKind int

const (
	_ ErrorKind = iota

	// SignatureMismatch means a raw wire value arrived with a D-Bus
	// signature other than the property's.
	SignatureMismatch

	// DecodeFailure means a raw wire value had the expected signature
	// but could not be stored into the property's Go type.
	DecodeFailure

	// TypeMismatch means an already decoded value of the wrong Go type
	// arrived.
	TypeMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case SignatureMismatch:
		return "SignatureMismatch"
	case DecodeFailure:
		return "DecodeFailure"
	case TypeMismatch:
		return "TypeMismatch"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// errInvalidSignature is the D-Bus error name reported for conversion
// failures.
const errInvalidSignature = "org.freedesktop.DBus.Error.InvalidSignature"

// PropertyError is returned by Demarshal when a value announced in a
// PropertiesChanged signal does not convert to the property's type.
type PropertyError struct {
	Kind ErrorKind

	Interface         string
	Property          string
	ExpectedType      string
	ExpectedSignature dbus.Signature

	// ActualType is the Go type of the received value. It is empty for
	// SignatureMismatch, where only the wire signature is known.
	ActualType      string
	ActualSignature dbus.Signature

	// Err is the underlying decode error, for DecodeFailure.
	Err error
}

func (e *PropertyError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case SignatureMismatch:
		fmt.Fprintf(&b, "unexpected signature %q", e.ActualSignature)
	case DecodeFailure:
		b.WriteString("failed to demarshal value")
	case TypeMismatch:
		fmt.Fprintf(&b, "unexpected %s (%q)", e.ActualType, e.ActualSignature)
	default:
		b.WriteString(e.Kind.String())
	}
	fmt.Fprintf(&b, " in PropertiesChanged for property %s.%s (expected %s (%q))",
		e.Interface, e.Property, e.ExpectedType, e.ExpectedSignature)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *PropertyError) Unwrap() error { return e.Err }

// DBusError returns e as a D-Bus error named
// org.freedesktop.DBus.Error.InvalidSignature.
func (e *PropertyError) DBusError() *dbus.Error {
	return dbus.NewError(errInvalidSignature, []any{e.Error()})
}

// KindOf returns the ErrorKind of err if it is or wraps a
// *PropertyError, and 0 otherwise.
func KindOf(err error) ErrorKind {
	var pe *PropertyError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}

// Demarshal converts value, announced for prop of interface iface, to
// prop's Go type.
//
// A value whose dynamic type is already prop.Type is returned as is. A
// dbus.Variant is decoded if its signature matches prop.Signature. Any
// other value is a TypeMismatch. Errors are always *PropertyError.
func Demarshal(iface string, prop Property, value any) (any, error) {
	if reflect.TypeOf(value) == prop.Type {
		return value, nil
	}
	perr := func(kind ErrorKind) *PropertyError {
		return &PropertyError{
			Kind:              kind,
			Interface:         iface,
			Property:          prop.Name,
			ExpectedType:      prop.TypeName(),
			ExpectedSignature: prop.Signature,
		}
	}
	if v, ok := value.(dbus.Variant); ok {
		if v.Signature() != prop.Signature {
			e := perr(SignatureMismatch)
			e.ActualSignature = v.Signature()
			return nil, e
		}
		out, err := decode(v, prop.Type)
		if err != nil {
			e := perr(DecodeFailure)
			e.ActualSignature = v.Signature()
			e.Err = err
			return nil, e
		}
		return out, nil
	}
	e := perr(TypeMismatch)
	if value == nil {
		e.ActualType = "<nil>"
	} else {
		e.ActualType = reflect.TypeOf(value).String()
	}
	e.ActualSignature = signatureOf(value)
	return nil, e
}

// errEmptyVariant is the decode error for a variant carrying no value.
var errEmptyVariant = errors.New("variant holds no value")

// decode stores v into a new value of type t.
func decode(v dbus.Variant, t reflect.Type) (_ any, err error) {
	if v.Value() == nil {
		return nil, errEmptyVariant
	}
	defer func() {
		// godbus panics rather than erroring on some malformed
		// values, such as nil elements in a []any struct.
		if r := recover(); r != nil {
			err = fmt.Errorf("dbus.Store: %v", r)
		}
	}()
	out := reflect.New(t)
	if err := v.Store(out.Interface()); err != nil {
		return nil, err
	}
	return out.Elem().Interface(), nil
}
