// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package conf contains code to load and access config file settings for
// propwatch.
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dbusext/dbusext/dbusprops"
	"github.com/dbusext/dbusext/util/set"
	"github.com/godbus/dbus/v5"
	"github.com/tailscale/hujson"
)

const v1Alpha1 = "v1alpha1"

// Bus names accepted by the Bus setting.
const (
	BusSystem  = "system"
	BusSession = "session"
)

// Config describes a config file.
type Config struct {
	Raw     []byte // raw bytes, in HuJSON form
	Std     []byte // standardized JSON form
	Version string // "v1alpha1"

	// Parsed is the parsed config, converted from its raw bytes version to the
	// latest known format.
	Parsed ConfigV1Alpha1
}

// VersionedConfig allows specifying config at the root of the object, or in
// a versioned sub-object.
// e.g. {"version": "v1alpha1", "bus": "session"}
// or {"version": "v1beta1", "v1alpha1": {"bus": "session"}}
type VersionedConfig struct {
	Version string `json:",omitempty"` // "v1alpha1"

	// Latest version of the config.
	*ConfigV1Alpha1

	// Backwards compatibility version(s) of the config.
	V1Alpha1 *ConfigV1Alpha1 `json:",omitempty"`
}

type ConfigV1Alpha1 struct {
	Bus         *string  `json:",omitempty"` // "system" or "session". Defaults to "system".
	LogLevel    *string  `json:",omitempty"` // "debug", "info". Defaults to "info".
	MetricsAddr *string  `json:",omitempty"` // Address to serve /metrics on; unset disables it.
	Objects     []Object `json:",omitempty"` // Objects to watch.
}

// Object is one watched interface of one remote object.
type Object struct {
	Service    string            `json:",omitempty"` // Bus name owning the object, e.g. "org.freedesktop.NetworkManager".
	Path       string            // Object path.
	Interface  string            // Interface whose properties are watched.
	Properties map[string]string // Property name to D-Bus signature.
}

// Load parses the config file contents raw.
func Load(raw []byte) (c Config, err error) {
	c.Raw = raw
	c.Std, err = hujson.Standardize(c.Raw)
	if err != nil {
		return c, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	var ver VersionedConfig
	if err := json.Unmarshal(c.Std, &ver); err != nil {
		return c, fmt.Errorf("error parsing config: %w", err)
	}
	rootV1Alpha1 := (ver.Version == v1Alpha1)
	backCompatV1Alpha1 := (ver.V1Alpha1 != nil)
	switch {
	case ver.Version == "":
		return c, errors.New("error parsing config: no \"version\" field provided")
	case rootV1Alpha1 && backCompatV1Alpha1:
		// Exactly one of these should be set.
		return c, errors.New("error parsing config: both root and v1alpha1 config provided")
	case rootV1Alpha1 != backCompatV1Alpha1:
		c.Version = v1Alpha1
		switch {
		case rootV1Alpha1 && ver.ConfigV1Alpha1 != nil:
			c.Parsed = *ver.ConfigV1Alpha1
		case backCompatV1Alpha1:
			c.Parsed = *ver.V1Alpha1
		default:
			c.Parsed = ConfigV1Alpha1{}
		}
	default:
		return c, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want \"%s\"", ver.Version, v1Alpha1)
	}

	if err := c.validate(); err != nil {
		return c, fmt.Errorf("error validating config: %w", err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if b := c.GetBus(); b != BusSystem && b != BusSession {
		return fmt.Errorf("unknown bus %q; want %q or %q", b, BusSystem, BusSession)
	}
	return ValidateObjects(c.Parsed.Objects)
}

// ValidateObjects validates each of objs, and that no two of them watch
// the same interface of the same object.
func ValidateObjects(objs []Object) error {
	type key struct{ service, path, iface string }
	seen := set.Set[key]{}
	for i, o := range objs {
		if err := o.Validate(); err != nil {
			return fmt.Errorf("objects[%d]: %w", i, err)
		}
		k := key{o.Service, o.Path, o.Interface}
		if seen.Contains(k) {
			return fmt.Errorf("objects[%d]: %s at %s of %q is already watched", i, o.Interface, o.Path, o.Service)
		}
		seen.Add(k)
	}
	return nil
}

// GetBus returns the bus to connect to.
func (c *Config) GetBus() string {
	if c.Parsed.Bus == nil {
		return BusSystem
	}
	return *c.Parsed.Bus
}

// GetLogLevel returns the configured log level.
func (c *Config) GetLogLevel() string {
	if c.Parsed.LogLevel == nil {
		return "info"
	}
	return *c.Parsed.LogLevel
}

// GetMetricsAddr returns the address to serve metrics on, or "" if
// metrics are disabled.
func (c *Config) GetMetricsAddr() string {
	if c.Parsed.MetricsAddr == nil {
		return ""
	}
	return *c.Parsed.MetricsAddr
}

// Validate reports whether o names a valid object path and interface and
// its properties all have single complete signatures.
func (o Object) Validate() error {
	if !dbus.ObjectPath(o.Path).IsValid() {
		return fmt.Errorf("invalid object path %q", o.Path)
	}
	if o.Interface == "" {
		return errors.New("no interface given")
	}
	if len(o.Properties) == 0 {
		return fmt.Errorf("no properties given for %s", o.Interface)
	}
	_, err := o.Registry()
	return err
}

// Registry returns the property types of o.
func (o Object) Registry() (dbusprops.Properties, error) {
	props := make([]dbusprops.Property, 0, len(o.Properties))
	for _, name := range slices.Sorted(maps.Keys(o.Properties)) {
		p, err := dbusprops.PropOfSignature(name, o.Properties[name])
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return dbusprops.NewProperties(props...)
}

// ParseProps parses a comma-separated list of Name=signature pairs, as
// passed to the --props flag.
// For example, "Volume=i,Muted=b,Ports=a(sq)".
func ParseProps(s string) (map[string]string, error) {
	ret := map[string]string{}
	for _, kv := range strings.Split(s, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		name, sig, ok := strings.Cut(kv, "=")
		if !ok || name == "" || sig == "" {
			return nil, fmt.Errorf("cannot parse property %q; want Name=signature", kv)
		}
		if _, dup := ret[name]; dup {
			return nil, fmt.Errorf("duplicate property %q", name)
		}
		ret[name] = sig
	}
	if len(ret) == 0 {
		return nil, errors.New("no properties given")
	}
	return ret, nil
}
