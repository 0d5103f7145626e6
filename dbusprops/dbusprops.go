// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package dbusprops turns the org.freedesktop.DBus.Properties
// PropertiesChanged broadcast of a remote D-Bus object into typed,
// per-property notifications.
//
// PropertiesChanged batches changes for every interface at a path, and
// carries each new value as a variant that may or may not have the type
// the application expects. An Object listens for the signal only while
// someone has registered a callback, drops batches for other interfaces,
// checks and converts each value against a static Registry, and calls
// the changed or invalidated callbacks once per known property.
package dbusprops

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dbusext/dbusext/envknob"
	"github.com/dbusext/dbusext/types/logger"
	"github.com/dbusext/dbusext/util/set"
	"github.com/godbus/dbus/v5"
)

// DBus entities we talk to.
const (
	dbusPropertiesInterface = "org.freedesktop.DBus.Properties"
	dbusPropertiesChanged   = "PropertiesChanged" // broadcast when properties of an interface change.
	dbusPropertiesSignal    = dbusPropertiesInterface + "." + dbusPropertiesChanged
)

// ErrClosed is returned for operations on a closed Object or BusConn.
var ErrClosed = errors.New("dbusprops: closed")

// ChangedFunc is called with the converted new value of a property.
type ChangedFunc func(name string, value any)

// InvalidatedFunc is called when a property's value is no longer
// known. err is nil if the bus invalidated the property, and a
// *PropertyError if a new value arrived that could not be converted.
type InvalidatedFunc func(name string, err error)

// Options configures an Object.
type Options struct {
	// Service is the bus name owning the object, such as
	// "org.freedesktop.NetworkManager". Empty accepts any sender.
	Service string

	// Path is the object's path. Required.
	Path dbus.ObjectPath

	// Interface is the interface whose properties are observed, such
	// as "org.freedesktop.NetworkManager.Device". Required.
	Interface string

	// Properties gives the expected type of each property of
	// Interface. Required.
	Properties Registry

	// Logf, if non-nil, receives diagnostics. Unknown property names
	// are logged here, rate limited.
	Logf logger.Logf
}

// Object observes the properties of one interface of one remote
// object.
type Object struct {
	conn  Conn
	rule  MatchRule
	iface string
	props Registry
	logf  logger.Logf
	diagf logger.Logf // rate limited, for bus/application skew

	// dispatchMu serializes handleSignal, so that one batch is fully
	// dispatched before the next starts. Close also holds it. It is
	// acquired before mu.
	dispatchMu sync.Mutex

	mu             sync.Mutex
	changedCbs     set.HandleSet[ChangedFunc]
	invalidatedCbs set.HandleSet[InvalidatedFunc]
	sub            set.Handle // zero unless subscribed
	lastErr        error
	closed         bool
}

// New returns an Object observing opts.Interface at opts.Path through
// conn. It does not subscribe to anything until a callback is
// registered.
func New(conn Conn, opts Options) (*Object, error) {
	if conn == nil {
		return nil, errors.New("dbusprops: nil Conn")
	}
	if !opts.Path.IsValid() {
		return nil, fmt.Errorf("dbusprops: invalid object path %q", opts.Path)
	}
	if opts.Interface == "" {
		return nil, errors.New("dbusprops: empty interface name")
	}
	if opts.Properties == nil {
		return nil, fmt.Errorf("dbusprops: no properties given for %s", opts.Interface)
	}
	logf := opts.Logf
	if logf == nil {
		logf = logger.Discard
	}
	logf = logger.WithPrefix(logf, "dbusprops: ")
	return &Object{
		conn: conn,
		rule: MatchRule{
			Sender:    opts.Service,
			Path:      opts.Path,
			Interface: dbusPropertiesInterface,
			Member:    dbusPropertiesChanged,
			Arg0:      opts.Interface,
		},
		iface: opts.Interface,
		props: opts.Properties,
		logf:  logf,
		diagf: logger.RateLimitedFn(logf, time.Minute, 10, 100),
	}, nil
}

// Interface returns the name of the observed interface.
func (o *Object) Interface() string { return o.iface }

// Path returns the path of the observed object.
func (o *Object) Path() dbus.ObjectPath { return o.rule.Path }

// RegisterChangedCallback adds cb to the functions called when a
// property changes. To remove it, call unregister. Registering the
// first callback of either kind subscribes to PropertiesChanged.
//
// Callbacks run on the goroutine delivering bus signals and must not
// block for long.
func (o *Object) RegisterChangedCallback(cb ChangedFunc) (unregister func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return func() {}
	}
	h := o.changedCbs.Add(cb)
	o.attachLocked()
	return sync.OnceFunc(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.changedCbs, h)
		o.detachLocked()
	})
}

// RegisterInvalidatedCallback adds cb to the functions called when a
// property is invalidated, either by the bus or because its new value
// could not be converted. To remove it, call unregister.
//
// Callbacks run on the goroutine delivering bus signals and must not
// block for long.
func (o *Object) RegisterInvalidatedCallback(cb InvalidatedFunc) (unregister func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return func() {}
	}
	h := o.invalidatedCbs.Add(cb)
	o.attachLocked()
	return sync.OnceFunc(func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.invalidatedCbs, h)
		o.detachLocked()
	})
}

// attachLocked subscribes to PropertiesChanged if not already
// subscribed. A failure is logged; the next registration retries.
func (o *Object) attachLocked() {
	if !o.sub.IsZero() {
		return
	}
	h, err := o.conn.Subscribe(o.rule, o.handleSignal)
	if err != nil {
		o.logf("subscribing to %s: %v", o.rule, err)
		return
	}
	o.sub = h
}

// detachLocked unsubscribes once no callbacks of either kind remain.
func (o *Object) detachLocked() {
	if o.sub.IsZero() || len(o.changedCbs) > 0 || len(o.invalidatedCbs) > 0 {
		return
	}
	if err := o.unsubscribeLocked(); err != nil {
		o.logf("%v", err)
	}
}

func (o *Object) unsubscribeLocked() error {
	h := o.sub
	o.sub = set.Handle{}
	if err := o.conn.Unsubscribe(o.rule, h); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", o.rule, err)
	}
	return nil
}

// LastPropertyChangedError returns the outcome of the most recently
// dispatched property: the conversion error of the last changed value,
// or nil after a successful conversion or an invalidation.
//
// It is shared by all properties and overwritten on every dispatch, so
// a batch with several bad values only reports the last one here. The
// error passed to InvalidatedFunc is reliable per property.
func (o *Object) LastPropertyChangedError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// Close unregisters all callbacks and, if subscribed, unsubscribes from
// PropertiesChanged. Registering callbacks after Close does nothing.
//
// Close waits for a batch being dispatched to finish, so no callback
// runs once it returns. It must not be called from a callback.
func (o *Object) Close() error {
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.changedCbs, o.invalidatedCbs = nil, nil
	if o.sub.IsZero() {
		return nil
	}
	return o.unsubscribeLocked()
}

// debugProps reports whether to log every notification.
var debugProps = envknob.DebugProps
