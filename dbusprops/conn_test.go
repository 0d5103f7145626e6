// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package dbusprops

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dbusext/dbusext/util/set"
	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

var testRule = MatchRule{
	Sender:    testService,
	Path:      testPath,
	Interface: dbusPropertiesInterface,
	Member:    dbusPropertiesChanged,
	Arg0:      testIface,
}

func TestMatchRuleString(t *testing.T) {
	tests := []struct {
		rule MatchRule
		want string
	}{
		{MatchRule{}, "type='signal'"},
		{MatchRule{Path: "/a"}, "type='signal',path='/a'"},
		{testRule, "type='signal',sender='org.example',path='/org/example/Foo',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',arg0='org.example.Foo'"},
	}
	for _, tt := range tests {
		if got := tt.rule.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestMatchRuleOptions(t *testing.T) {
	want := []dbus.MatchOption{
		dbus.WithMatchSender(testService),
		dbus.WithMatchObjectPath(testPath),
		dbus.WithMatchInterface(dbusPropertiesInterface),
		dbus.WithMatchMember(dbusPropertiesChanged),
		dbus.WithMatchArg(0, testIface),
	}
	if diff := cmp.Diff(want, testRule.Options(), cmp.AllowUnexported(dbus.MatchOption{})); diff != "" {
		t.Errorf("Options mismatch (-want +got):\n%s", diff)
	}
	if got := (MatchRule{}).Options(); len(got) != 0 {
		t.Errorf("empty rule has options %v", got)
	}
}

func TestMatchRuleMatches(t *testing.T) {
	good := propertiesChanged(testIface, nil, nil)
	tests := []struct {
		name string
		rule MatchRule
		sig  *dbus.Signal
		want bool
	}{
		{"all", testRule, good, true},
		{"empty-rule", MatchRule{}, good, true},
		{"wrong-path", testRule, &dbus.Signal{Sender: ":1.42", Path: "/other", Name: dbusPropertiesSignal, Body: good.Body}, false},
		{"wrong-member", testRule, &dbus.Signal{Sender: ":1.42", Path: testPath, Name: dbusPropertiesInterface + ".Other", Body: good.Body}, false},
		{"wrong-interface", testRule, &dbus.Signal{Sender: ":1.42", Path: testPath, Name: "org.example.Bar.PropertiesChanged", Body: good.Body}, false},
		{"wrong-arg0", testRule, propertiesChanged("org.example.Bar", nil, nil), false},
		{"no-args", testRule, &dbus.Signal{Sender: ":1.42", Path: testPath, Name: dbusPropertiesSignal}, false},
		{"non-string-arg0", testRule, &dbus.Signal{Sender: ":1.42", Path: testPath, Name: dbusPropertiesSignal, Body: []any{int32(1)}}, false},
		{"unique-sender", MatchRule{Sender: ":1.42"}, good, true},
		{"wrong-unique-sender", MatchRule{Sender: ":1.7"}, good, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.sig); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

// fakeSignalConn records calls a BusConn makes on a godbus connection.
type fakeSignalConn struct {
	mu        sync.Mutex
	added     []string
	removed   []string
	ch        chan<- *dbus.Signal
	removedCh bool
	addErr    error
	owners    map[string]string // well-known name to unique name
	ownerErr  error
}

// newFakeSignalConn returns a fakeSignalConn where testService is owned
// by ":1.42", the sender of propertiesChanged.
func newFakeSignalConn() *fakeSignalConn {
	return &fakeSignalConn{owners: map[string]string{testService: ":1.42"}}
}

func (c *fakeSignalConn) NameOwner(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownerErr != nil {
		return "", c.ownerErr
	}
	owner, ok := c.owners[name]
	if !ok {
		return "", dbus.Error{Name: dbusErrorNameHasNoOwner, Body: []any{"no owner for " + name}}
	}
	return owner, nil
}

func (c *fakeSignalConn) AddMatchSignal(opts ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addErr != nil {
		return c.addErr
	}
	c.added = append(c.added, optionsKey(opts))
	return nil
}

func (c *fakeSignalConn) RemoveMatchSignal(opts ...dbus.MatchOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, optionsKey(opts))
	return nil
}

func (c *fakeSignalConn) Signal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = ch
}

func (c *fakeSignalConn) RemoveSignal(ch chan<- *dbus.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch == c.ch {
		c.removedCh = true
	}
}

func (c *fakeSignalConn) send(sig *dbus.Signal) {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	ch <- sig
}

// optionsKey renders match options for comparison.
func optionsKey(opts []dbus.MatchOption) string {
	return fmt.Sprint(opts)
}

func TestBusConnDelivers(t *testing.T) {
	fc := newFakeSignalConn()
	c := newBusConn(fc, t.Logf)

	got := make(chan *dbus.Signal, 1)
	h, err := c.Subscribe(testRule, func(sig *dbus.Signal) { got <- sig })
	if err != nil {
		t.Fatal(err)
	}
	if h.IsZero() {
		t.Fatal("zero handle")
	}

	// A signal outside the rule is not delivered.
	fc.send(propertiesChanged("org.example.Bar", nil, nil))
	want := propertiesChanged(testIface, nil, []string{"Volume"})
	fc.send(want)
	select {
	case sig := <-got:
		if sig != want {
			t.Errorf("got signal %+v, want %+v", sig, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for signal")
	}

	if err := c.Unsubscribe(testRule, h); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	added, removed := fc.added, fc.removed
	fc.mu.Unlock()
	if diff := cmp.Diff(added, removed); diff != "" {
		t.Errorf("removed rules differ from added (-added +removed):\n%s", diff)
	}

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !fc.removedCh {
		t.Error("Close did not remove the signal channel")
	}
}

func TestBusConnOneChannel(t *testing.T) {
	fc := newFakeSignalConn()
	c := newBusConn(fc, t.Logf)
	defer c.Close()

	r1 := testRule
	r2 := testRule
	r2.Arg0 = "org.example.Bar"
	if _, err := c.Subscribe(r1, func(*dbus.Signal) {}); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	first := fc.ch
	fc.mu.Unlock()
	if _, err := c.Subscribe(r2, func(*dbus.Signal) {}); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.ch != first {
		t.Error("second Subscribe registered another channel")
	}
	// Both rules name testService, whose owner is followed once.
	if len(fc.added) != 3 {
		t.Errorf("added %d rules, want 3", len(fc.added))
	}
}

func TestBusConnSubscribeError(t *testing.T) {
	errBus := errors.New("access denied")
	fc := &fakeSignalConn{addErr: errBus}
	c := newBusConn(fc, t.Logf)
	defer c.Close()

	if _, err := c.Subscribe(testRule, func(*dbus.Signal) {}); !errors.Is(err, errBus) {
		t.Errorf("Subscribe error = %v, want %v", err, errBus)
	}
	if fc.ch != nil {
		t.Error("failed Subscribe started signal delivery")
	}
}

func TestBusConnUnsubscribeMismatchPanics(t *testing.T) {
	fc := newFakeSignalConn()
	c := newBusConn(fc, t.Logf)
	defer c.Close()

	h, err := c.Subscribe(testRule, func(*dbus.Signal) {})
	if err != nil {
		t.Fatal(err)
	}
	other := testRule
	other.Arg0 = "org.example.Bar"

	mustPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		f()
	}
	mustPanic("different rule", func() { c.Unsubscribe(other, h) })
	mustPanic("unknown handle", func() { c.Unsubscribe(testRule, set.NewHandle()) })

	if err := c.Unsubscribe(testRule, h); err != nil {
		t.Fatal(err)
	}
	mustPanic("double unsubscribe", func() { c.Unsubscribe(testRule, h) })
}

func TestBusConnCloseRemovesRules(t *testing.T) {
	fc := newFakeSignalConn()
	c := newBusConn(fc, t.Logf)

	if _, err := c.Subscribe(testRule, func(*dbus.Signal) {}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fc.added, fc.removed); diff != "" {
		t.Errorf("Close removed rules differ from added (-added +removed):\n%s", diff)
	}
	if _, err := c.Subscribe(testRule, func(*dbus.Signal) {}); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrClosed", err)
	}
	if err := c.Unsubscribe(testRule, set.NewHandle()); err != nil {
		t.Errorf("Unsubscribe after Close = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestBusConnWithObject(t *testing.T) {
	fc := newFakeSignalConn()
	c := newBusConn(fc, t.Logf)
	defer c.Close()

	o := newTestObject(t, c)
	got := make(chan int32, 1)
	unregister := o.RegisterChangedCallback(func(name string, v any) {
		if name == "Volume" {
			got <- v.(int32)
		}
	})

	fc.send(propertiesChanged(testIface, map[string]dbus.Variant{"Volume": variant("i", int32(42))}, nil))
	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("Volume = %d, want 42", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Volume")
	}

	unregister()
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.added) != 2 || len(fc.removed) != 2 {
		t.Errorf("added %d rules, removed %d, want 2 each", len(fc.added), len(fc.removed))
	}
}

func TestMatchRuleOwnerRule(t *testing.T) {
	want := "type='signal',sender='org.freedesktop.DBus',path='/org/freedesktop/DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='org.example'"
	if got := ownerRule(testService).String(); got != want {
		t.Errorf("ownerRule = %q, want %q", got, want)
	}
}

func nameOwnerChanged(name, oldOwner, newOwner string) *dbus.Signal {
	return &dbus.Signal{
		Sender: dbusService,
		Path:   dbusPath,
		Name:   dbusNameOwnerChangedSig,
		Body:   []any{name, oldOwner, newOwner},
	}
}

func volumeFrom(sender string, v int32) *dbus.Signal {
	sig := propertiesChanged(testIface, map[string]dbus.Variant{"Volume": variant("i", v)}, nil)
	sig.Sender = sender
	return sig
}

func TestBusConnScopesWellKnownSender(t *testing.T) {
	// org.a is owned, org.b is not yet.
	fc := &fakeSignalConn{owners: map[string]string{"org.a": ":1.42"}}
	c := newBusConn(fc, t.Logf)

	volumes := func(service string) chan int32 {
		o, err := New(c, Options{
			Service:    service,
			Path:       testPath,
			Interface:  testIface,
			Properties: testProps(t),
			Logf:       t.Logf,
		})
		if err != nil {
			t.Fatal(err)
		}
		ch := make(chan int32, 10)
		o.RegisterChangedCallback(func(name string, v any) { ch <- v.(int32) })
		return ch
	}
	a, b := volumes("org.a"), volumes("org.b")

	wait := func(ch chan int32, want int32) {
		t.Helper()
		select {
		case v := <-ch:
			if v != want {
				t.Errorf("Volume = %d, want %d", v, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for Volume %d", want)
		}
	}

	fc.send(volumeFrom(":1.42", 1))
	fc.send(nameOwnerChanged("org.b", "", ":1.7"))
	fc.send(volumeFrom(":1.7", 2))
	fc.send(volumeFrom(":1.42", 3))
	fc.send(nameOwnerChanged("org.a", ":1.42", ""))
	fc.send(volumeFrom(":1.42", 4))
	fc.send(volumeFrom(":1.7", 5))
	wait(a, 1)
	wait(b, 2)
	wait(a, 3)
	wait(b, 5)

	// Close waits for the delivery goroutine, so every delivery has
	// happened.
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if len(a) != 0 || len(b) != 0 {
		t.Errorf("extra deliveries: %d to org.a, %d to org.b", len(a), len(b))
	}
}

func TestBusConnOwnerLookupError(t *testing.T) {
	errBus := errors.New("bus gone")
	fc := newFakeSignalConn()
	fc.ownerErr = errBus
	c := newBusConn(fc, t.Logf)
	defer c.Close()

	if _, err := c.Subscribe(testRule, func(*dbus.Signal) {}); !errors.Is(err, errBus) {
		t.Fatalf("Subscribe error = %v, want %v", err, errBus)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if diff := cmp.Diff(fc.added, fc.removed); diff != "" {
		t.Errorf("failed Subscribe left rules installed (-added +removed):\n%s", diff)
	}
	if fc.ch != nil {
		t.Error("failed Subscribe started signal delivery")
	}
}

func TestBusConnOwnerRefcount(t *testing.T) {
	fc := newFakeSignalConn()
	c := newBusConn(fc, t.Logf)
	defer c.Close()

	other := testRule
	other.Arg0 = "org.example.Bar"
	h1, err := c.Subscribe(testRule, func(*dbus.Signal) {})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Subscribe(other, func(*dbus.Signal) {})
	if err != nil {
		t.Fatal(err)
	}
	ownerKey := optionsKey(ownerRule(testService).Options())
	count := func(rules []string) int {
		n := 0
		for _, r := range rules {
			if r == ownerKey {
				n++
			}
		}
		return n
	}

	if err := c.Unsubscribe(testRule, h1); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	if count(fc.removed) != 0 {
		t.Error("owner rule removed while a subscription remains")
	}
	fc.mu.Unlock()

	if err := c.Unsubscribe(other, h2); err != nil {
		t.Fatal(err)
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if n := count(fc.added); n != 1 {
		t.Errorf("owner rule added %d times, want 1", n)
	}
	if n := count(fc.removed); n != 1 {
		t.Errorf("owner rule removed %d times, want 1", n)
	}
}
