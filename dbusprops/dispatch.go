// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package dbusprops

import (
	"fmt"
	"maps"
	"slices"

	"github.com/godbus/dbus/v5"
)

// handleSignal is the SignalFunc subscribed for o.
func (o *Object) handleSignal(sig *dbus.Signal) {
	// In theory the signal was filtered by the bus, but the match
	// rule is shared with anyone else on the connection.
	if sig.Path != o.rule.Path || sig.Name != dbusPropertiesSignal {
		return
	}
	iface, changed, invalidated, err := parsePropertiesChanged(sig.Body)
	if err != nil {
		o.logf("[unexpected] %v", err)
		return
	}
	o.dispatch(iface, changed, invalidated)
}

// parsePropertiesChanged splits the body of a PropertiesChanged signal,
// (sa{sv}as). Values are usually dbus.Variant; an in-process bus may
// hand over a map[string]any of already decoded values instead.
func parsePropertiesChanged(body []any) (iface string, changed map[string]any, invalidated []string, err error) {
	if len(body) != 3 {
		return "", nil, nil, fmt.Errorf("PropertiesChanged len(Body) = %d, want 3", len(body))
	}
	iface, ok := body[0].(string)
	if !ok {
		return "", nil, nil, fmt.Errorf("PropertiesChanged interface_name is a %T, not a string", body[0])
	}
	switch m := body[1].(type) {
	case map[string]dbus.Variant:
		changed = make(map[string]any, len(m))
		for k, v := range m {
			changed[k] = v
		}
	case map[string]any:
		changed = m
	case nil:
	default:
		return "", nil, nil, fmt.Errorf("PropertiesChanged changed_properties is a %T, not a map", body[1])
	}
	switch l := body[2].(type) {
	case []string:
		invalidated = l
	case nil:
	default:
		return "", nil, nil, fmt.Errorf("PropertiesChanged invalidated_properties is a %T, not a []string", body[2])
	}
	return iface, changed, invalidated, nil
}

// dispatch turns one PropertiesChanged batch into callbacks. Changed
// properties are handled first, in name order, then invalidated ones in
// the order given.
func (o *Object) dispatch(iface string, changed map[string]any, invalidated []string) {
	if iface != o.iface {
		return
	}
	o.dispatchMu.Lock()
	defer o.dispatchMu.Unlock()

	for _, name := range slices.Sorted(maps.Keys(changed)) {
		prop, ok := o.props.Lookup(name)
		if !ok {
			o.diagf("got unknown changed property %s.%s", o.iface, name)
			continue
		}
		v, err := Demarshal(o.iface, prop, changed[name])
		o.setLastErr(err)
		if err != nil {
			o.logf("[v1] %v", err)
			o.emitInvalidated(name, err)
			continue
		}
		o.emitChanged(name, v)
	}

	for _, name := range invalidated {
		if _, ok := o.props.Lookup(name); !ok {
			o.diagf("got unknown invalidated property %s.%s", o.iface, name)
			continue
		}
		o.setLastErr(nil)
		o.emitInvalidated(name, nil)
	}
}

func (o *Object) setLastErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastErr = err
}

func (o *Object) emitChanged(name string, value any) {
	if debugProps() {
		o.logf("%s.%s changed to %v", o.iface, name, value)
	}
	o.mu.Lock()
	cbs := o.changedCbs.Values()
	o.mu.Unlock()
	for _, cb := range cbs {
		cb(name, value)
	}
}

func (o *Object) emitInvalidated(name string, err error) {
	if debugProps() {
		o.logf("%s.%s invalidated (err=%v)", o.iface, name, err)
	}
	o.mu.Lock()
	cbs := o.invalidatedCbs.Values()
	o.mu.Unlock()
	for _, cb := range cbs {
		cb(name, err)
	}
}
