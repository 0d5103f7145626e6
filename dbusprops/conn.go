// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package dbusprops

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dbusext/dbusext/types/logger"
	"github.com/dbusext/dbusext/util/set"
	"github.com/godbus/dbus/v5"
)

// MatchRule selects broadcast signals on a bus. Empty fields match
// anything.
type MatchRule struct {
	Sender    string // bus name of the emitter, unique or well-known
	Path      dbus.ObjectPath
	Interface string // interface of the signal itself
	Member    string // signal name
	Arg0      string // required value of the first string argument
}

// Options returns r as godbus match options, for AddMatchSignal and
// RemoveMatchSignal.
func (r MatchRule) Options() []dbus.MatchOption {
	var opts []dbus.MatchOption
	if r.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(r.Sender))
	}
	if r.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(r.Path))
	}
	if r.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(r.Interface))
	}
	if r.Member != "" {
		opts = append(opts, dbus.WithMatchMember(r.Member))
	}
	if r.Arg0 != "" {
		opts = append(opts, dbus.WithMatchArg(0, r.Arg0))
	}
	return opts
}

// String returns r in D-Bus match rule syntax.
func (r MatchRule) String() string {
	parts := []string{"type='signal'"}
	add := func(k, v string) {
		if v != "" {
			parts = append(parts, k+"='"+v+"'")
		}
	}
	add("sender", r.Sender)
	add("path", string(r.Path))
	add("interface", r.Interface)
	add("member", r.Member)
	add("arg0", r.Arg0)
	return strings.Join(parts, ",")
}

// Matches reports whether sig satisfies r.
//
// Match rules installed on the bus are advisory: a connection shared
// with other subscribers receives the union of everyone's signals. So
// handlers must re-check. A well-known Sender can't be checked here,
// since signals carry the emitter's unique name; BusConn checks it
// against the name's current owner.
func (r MatchRule) Matches(sig *dbus.Signal) bool {
	if isUniqueName(r.Sender) && sig.Sender != r.Sender {
		return false
	}
	if r.Path != "" && sig.Path != r.Path {
		return false
	}
	iface, member := splitMember(sig.Name)
	if r.Interface != "" && iface != r.Interface {
		return false
	}
	if r.Member != "" && member != r.Member {
		return false
	}
	if r.Arg0 != "" {
		if len(sig.Body) == 0 {
			return false
		}
		if s, ok := sig.Body[0].(string); !ok || s != r.Arg0 {
			return false
		}
	}
	return true
}

// isUniqueName reports whether name is a unique connection name, like
// ":1.42".
func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// isWellKnownName reports whether name is a well-known bus name, like
// "org.freedesktop.NetworkManager".
func isWellKnownName(name string) bool {
	return name != "" && !isUniqueName(name)
}

// splitMember splits a signal name like "org.example.Foo.Changed" into
// its interface and member.
func splitMember(name string) (iface, member string) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// SignalFunc handles one broadcast signal.
type SignalFunc func(*dbus.Signal)

// Conn is the part of a bus connection an Object needs: subscribing to
// broadcast signals.
//
// Implementations must deliver signals for any one subscription one at
// a time, in bus order.
type Conn interface {
	// Subscribe installs rule on the bus and arranges for fn to be
	// called with every signal matching it. The returned handle
	// identifies the subscription to Unsubscribe and is never zero.
	Subscribe(rule MatchRule, fn SignalFunc) (set.Handle, error)

	// Unsubscribe undoes a Subscribe. rule must be the rule h was
	// subscribed with.
	Unsubscribe(rule MatchRule, h set.Handle) error
}

// DBus entities of the message bus itself.
const (
	dbusService             = "org.freedesktop.DBus"
	dbusPath                = dbus.ObjectPath("/org/freedesktop/DBus")
	dbusNameOwnerChanged    = "NameOwnerChanged" // broadcast when a bus name changes owner.
	dbusNameOwnerChangedSig = dbusService + "." + dbusNameOwnerChanged
	dbusGetNameOwner        = dbusService + ".GetNameOwner"
	dbusErrorNameHasNoOwner = dbusService + ".Error.NameHasNoOwner"
)

// signalConn is the subset of a godbus connection used by BusConn.
type signalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)

	// NameOwner returns the unique name currently owning the
	// well-known name.
	NameOwner(name string) (string, error)
}

// godbusConn adapts a *dbus.Conn to signalConn.
type godbusConn struct {
	*dbus.Conn
}

var _ signalConn = godbusConn{}

func (c godbusConn) NameOwner(name string) (string, error) {
	var owner string
	err := c.BusObject().Call(dbusGetNameOwner, 0, name).Store(&owner)
	return owner, err
}

// ownerRule returns the rule for owner changes of the well-known name.
func ownerRule(name string) MatchRule {
	return MatchRule{
		Sender:    dbusService,
		Path:      dbusPath,
		Interface: dbusService,
		Member:    dbusNameOwnerChanged,
		Arg0:      name,
	}
}

type subscription struct {
	rule MatchRule
	fn   SignalFunc
}

// nameOwner tracks the owner of a well-known name some subscription is
// scoped to.
type nameOwner struct {
	owner string // unique name, or empty if the name has no owner
	refs  int    // subscriptions with this Sender
}

// BusConn is a Conn over a godbus connection.
//
// All signals are delivered from a single goroutine, started on the
// first Subscribe, so handlers never run concurrently with each other.
type BusConn struct {
	conn signalConn
	logf logger.Logf

	mu      sync.Mutex
	subs    map[set.Handle]subscription
	owners  map[string]*nameOwner // keyed by well-known name
	signals chan *dbus.Signal     // nil until the delivery goroutine starts
	stop    chan struct{}         // closed by Close
	done    chan struct{}         // closed when the delivery goroutine exits
	closed  bool
}

var _ Conn = (*BusConn)(nil)

// NewBusConn returns a Conn delivering signals received on conn.
// Closing the BusConn does not close conn.
func NewBusConn(conn *dbus.Conn, logf logger.Logf) *BusConn {
	return newBusConn(godbusConn{conn}, logf)
}

func newBusConn(conn signalConn, logf logger.Logf) *BusConn {
	return &BusConn{
		conn:   conn,
		logf:   logger.WithPrefix(logf, "dbusprops: "),
		subs:   map[set.Handle]subscription{},
		owners: map[string]*nameOwner{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Subscribe implements Conn.
//
// If rule.Sender is a well-known name, only signals from its current
// owner are delivered. The owner is looked up here and followed through
// NameOwnerChanged.
func (c *BusConn) Subscribe(rule MatchRule, fn SignalFunc) (set.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return set.Handle{}, ErrClosed
	}
	if err := c.conn.AddMatchSignal(rule.Options()...); err != nil {
		return set.Handle{}, fmt.Errorf("adding match rule %s: %w", rule, err)
	}
	if isWellKnownName(rule.Sender) {
		if err := c.trackOwnerLocked(rule.Sender); err != nil {
			if rerr := c.conn.RemoveMatchSignal(rule.Options()...); rerr != nil {
				c.logf("removing match rule %s: %v", rule, rerr)
			}
			return set.Handle{}, err
		}
	}
	h := set.NewHandle()
	c.subs[h] = subscription{rule: rule, fn: fn}
	if c.signals == nil {
		c.signals = make(chan *dbus.Signal, 16)
		c.conn.Signal(c.signals)
		go c.run(c.signals)
	}
	return h, nil
}

// Unsubscribe implements Conn. It panics if h was not returned by
// Subscribe for exactly rule, or was already unsubscribed.
func (c *BusConn) Unsubscribe(rule MatchRule, h set.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	sub, ok := c.subs[h]
	if !ok {
		panic(fmt.Sprintf("dbusprops: Unsubscribe(%s) with unknown handle", rule))
	}
	if sub.rule != rule {
		panic(fmt.Sprintf("dbusprops: Unsubscribe(%s) of a subscription made with %s", rule, sub.rule))
	}
	delete(c.subs, h)
	var errs []error
	if err := c.conn.RemoveMatchSignal(rule.Options()...); err != nil {
		errs = append(errs, fmt.Errorf("removing match rule %s: %w", rule, err))
	}
	if isWellKnownName(rule.Sender) {
		if err := c.untrackOwnerLocked(rule.Sender); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// trackOwnerLocked starts following the owner of the well-known name,
// or takes another reference if it is already followed.
func (c *BusConn) trackOwnerLocked(name string) error {
	if no, ok := c.owners[name]; ok {
		no.refs++
		return nil
	}
	// Watch for changes before asking, so none is missed in between.
	rule := ownerRule(name)
	if err := c.conn.AddMatchSignal(rule.Options()...); err != nil {
		return fmt.Errorf("adding match rule %s: %w", rule, err)
	}
	owner, err := c.conn.NameOwner(name)
	if err != nil {
		var derr dbus.Error
		if !errors.As(err, &derr) || derr.Name != dbusErrorNameHasNoOwner {
			if rerr := c.conn.RemoveMatchSignal(rule.Options()...); rerr != nil {
				c.logf("removing match rule %s: %v", rule, rerr)
			}
			return fmt.Errorf("looking up owner of %s: %w", name, err)
		}
		// Nothing is delivered until the name is claimed.
		owner = ""
	}
	c.owners[name] = &nameOwner{owner: owner, refs: 1}
	return nil
}

// untrackOwnerLocked drops a reference taken by trackOwnerLocked.
func (c *BusConn) untrackOwnerLocked(name string) error {
	no, ok := c.owners[name]
	if !ok {
		return nil
	}
	if no.refs--; no.refs > 0 {
		return nil
	}
	delete(c.owners, name)
	rule := ownerRule(name)
	if err := c.conn.RemoveMatchSignal(rule.Options()...); err != nil {
		return fmt.Errorf("removing match rule %s: %w", rule, err)
	}
	return nil
}

// noteOwnerChangedLocked updates the tracked owner if sig is a
// NameOwnerChanged broadcast for a followed name.
func (c *BusConn) noteOwnerChangedLocked(sig *dbus.Signal) {
	if sig.Name != dbusNameOwnerChangedSig || sig.Path != dbusPath || len(sig.Body) != 3 {
		return
	}
	// The bus driver sends it under its well-known name.
	if sig.Sender != dbusService {
		return
	}
	name, ok1 := sig.Body[0].(string)
	newOwner, ok2 := sig.Body[2].(string)
	if !ok1 || !ok2 {
		return
	}
	if no, ok := c.owners[name]; ok {
		c.logf("[v1] %s is now owned by %q", name, newOwner)
		no.owner = newOwner
	}
}

// senderMatchesLocked reports whether sig comes from the current owner
// of rule's well-known Sender. Other rules always match.
func (c *BusConn) senderMatchesLocked(rule MatchRule, sig *dbus.Signal) bool {
	if !isWellKnownName(rule.Sender) {
		return true
	}
	if rule.Sender == sig.Sender {
		// Only the bus driver sends under a well-known name.
		return true
	}
	no, ok := c.owners[rule.Sender]
	return ok && no.owner != "" && sig.Sender == no.owner
}

func (c *BusConn) run(signals <-chan *dbus.Signal) {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case sig, ok := <-signals:
			if !ok {
				// godbus closes signal channels when the connection
				// goes away.
				c.logf("bus connection closed, no more signals")
				return
			}
			c.deliver(sig)
		}
	}
}

func (c *BusConn) deliver(sig *dbus.Signal) {
	c.mu.Lock()
	c.noteOwnerChangedLocked(sig)
	var fns []SignalFunc
	for _, sub := range c.subs {
		if sub.rule.Matches(sig) && c.senderMatchesLocked(sub.rule, sig) {
			fns = append(fns, sub.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(sig)
	}
}

// Close stops signal delivery and removes all remaining match rules
// from the bus. It must not be called from a SignalFunc.
func (c *BusConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs, owners := c.subs, c.owners
	c.subs, c.owners = nil, nil
	signals := c.signals
	c.mu.Unlock()

	close(c.stop)
	if signals != nil {
		c.conn.RemoveSignal(signals)
		<-c.done
	}
	var errs []error
	for _, sub := range subs {
		if err := c.conn.RemoveMatchSignal(sub.rule.Options()...); err != nil {
			errs = append(errs, fmt.Errorf("removing match rule %s: %w", sub.rule, err))
		}
	}
	for name := range owners {
		rule := ownerRule(name)
		if err := c.conn.RemoveMatchSignal(rule.Options()...); err != nil {
			errs = append(errs, fmt.Errorf("removing match rule %s: %w", rule, err))
		}
	}
	return errors.Join(errs...)
}
