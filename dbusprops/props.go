// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package dbusprops

import (
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/godbus/dbus/v5"
)

// Property describes one property of a D-Bus interface: its name, the
// Go type the application wants its value in, and the D-Bus signature
// that type is expected to arrive with.
type Property struct {
	Name      string
	Type      reflect.Type
	Signature dbus.Signature
}

// TypeName returns the name of p's Go type, for error messages.
func (p Property) TypeName() string {
	if p.Type == nil {
		return "<nil>"
	}
	return p.Type.String()
}

// Prop returns the Property named name whose values are of type T.
// The signature is derived from T; if T has no D-Bus representation
// the signature is empty and NewProperties rejects the property.
func Prop[T any](name string) Property {
	t := reflect.TypeFor[T]()
	sig, _ := SignatureOfType(t)
	return Property{Name: name, Type: t, Signature: sig}
}

// SignatureOfType returns the D-Bus signature of t. It reports false if
// t cannot be represented on the bus.
func SignatureOfType(t reflect.Type) (sig dbus.Signature, ok bool) {
	if t == nil {
		return dbus.Signature{}, false
	}
	defer func() {
		if recover() != nil {
			sig, ok = dbus.Signature{}, false
		}
	}()
	return dbus.SignatureOfType(t), true
}

// signatureOf is like SignatureOfType for the dynamic type of v.
func signatureOf(v any) dbus.Signature {
	sig, _ := SignatureOfType(reflect.TypeOf(v))
	return sig
}

var (
	objectPathType = reflect.TypeFor[dbus.ObjectPath]()
	signatureType  = reflect.TypeFor[dbus.Signature]()
	variantType    = reflect.TypeFor[dbus.Variant]()
	interfacesType = reflect.TypeFor[[]any]()
)

// basicTypes maps single-character D-Bus type codes to the Go types
// godbus decodes them as.
var basicTypes = map[byte]reflect.Type{
	'y': reflect.TypeFor[byte](),
	'b': reflect.TypeFor[bool](),
	'n': reflect.TypeFor[int16](),
	'q': reflect.TypeFor[uint16](),
	'i': reflect.TypeFor[int32](),
	'u': reflect.TypeFor[uint32](),
	'x': reflect.TypeFor[int64](),
	't': reflect.TypeFor[uint64](),
	'd': reflect.TypeFor[float64](),
	's': reflect.TypeFor[string](),
	'o': objectPathType,
	'g': signatureType,
	'v': variantType,
	'h': reflect.TypeFor[dbus.UnixFDIndex](),
}

// PropOfSignature returns the Property named name whose values arrive
// with the single complete D-Bus type sig. Structs are represented as
// []any, the way godbus decodes them inside variants.
func PropOfSignature(name, sig string) (Property, error) {
	s, err := dbus.ParseSignature(sig)
	if err != nil {
		return Property{}, fmt.Errorf("property %q: %w", name, err)
	}
	t, rest, err := typeOfSignature(sig)
	if err != nil {
		return Property{}, fmt.Errorf("property %q: %w", name, err)
	}
	if rest != "" {
		return Property{}, fmt.Errorf("property %q: signature %q is not a single complete type", name, sig)
	}
	return Property{Name: name, Type: t, Signature: s}, nil
}

// singleComplete reports whether sig holds exactly one complete type.
// (dbus.Signature.Single is inverted in the godbus version we use.)
func singleComplete(sig dbus.Signature) bool {
	_, rest, err := typeOfSignature(sig.String())
	return err == nil && rest == ""
}

// typeOfSignature returns the Go type of the first complete type in
// sig, and the remainder of sig.
func typeOfSignature(sig string) (t reflect.Type, rest string, err error) {
	if sig == "" {
		return nil, "", errors.New("empty signature")
	}
	if t, ok := basicTypes[sig[0]]; ok {
		return t, sig[1:], nil
	}
	switch sig[0] {
	case 'a':
		if len(sig) > 2 && sig[1] == '{' {
			kt, ok := basicTypes[sig[2]]
			if !ok || kt == variantType {
				return nil, "", fmt.Errorf("invalid dict key type %q", sig[2])
			}
			vt, rest, err := typeOfSignature(sig[3:])
			if err != nil {
				return nil, "", err
			}
			if rest == "" || rest[0] != '}' {
				return nil, "", fmt.Errorf("unterminated dict entry in %q", sig)
			}
			return reflect.MapOf(kt, vt), rest[1:], nil
		}
		et, rest, err := typeOfSignature(sig[1:])
		if err != nil {
			return nil, "", err
		}
		return reflect.SliceOf(et), rest, nil
	case '(':
		rest := sig[1:]
		for rest != "" && rest[0] != ')' {
			if _, rest, err = typeOfSignature(rest); err != nil {
				return nil, "", err
			}
		}
		if rest == "" {
			return nil, "", fmt.Errorf("unterminated struct in %q", sig)
		}
		return interfacesType, rest[1:], nil
	}
	return nil, "", fmt.Errorf("unsupported type code %q", sig[0])
}

// A Registry maps property names of one interface to their expected
// types.
type Registry interface {
	// Lookup returns the Property named name, and whether it exists.
	Lookup(name string) (Property, bool)
}

// Properties is a static Registry built by NewProperties.
type Properties map[string]Property

// NewProperties returns a Registry holding props. It returns an error if
// a name is empty or repeated, or if a property has no single complete
// D-Bus signature.
func NewProperties(props ...Property) (Properties, error) {
	ret := make(Properties, len(props))
	for _, p := range props {
		if p.Name == "" {
			return nil, errors.New("property with empty name")
		}
		if _, dup := ret[p.Name]; dup {
			return nil, fmt.Errorf("duplicate property %q", p.Name)
		}
		if p.Type == nil {
			return nil, fmt.Errorf("property %q has no type", p.Name)
		}
		if p.Signature.Empty() {
			return nil, fmt.Errorf("property %q: type %s cannot be represented on D-Bus", p.Name, p.TypeName())
		}
		if !singleComplete(p.Signature) {
			return nil, fmt.Errorf("property %q: signature %q is not a single complete type", p.Name, p.Signature)
		}
		ret[p.Name] = p
	}
	return ret, nil
}

// Lookup implements Registry.
func (ps Properties) Lookup(name string) (Property, bool) {
	p, ok := ps[name]
	return p, ok
}

// Names returns the property names in ps, sorted.
func (ps Properties) Names() []string {
	ret := make([]string, 0, len(ps))
	for name := range ps {
		ret = append(ret, name)
	}
	slices.Sort(ret)
	return ret
}
