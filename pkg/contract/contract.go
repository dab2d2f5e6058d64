// Package contract describes the method set and version a channel exposes, so
// both sides of a bridge can agree on a shared shape and check compatibility
// at runtime.
package contract

import (
	"fmt"
	"sort"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "contract:contract"

// Contract is what a host declares when it registers a target.
type Contract struct {
	// Version is a SemVer version of the method set (e.g. "1.4.0").
	Version string
	// Methods lists the method names the target serves.
	Methods []string
}

// Descriptor is the description of a registered channel returned by the
// introspection channel.
type Descriptor struct {
	Channel string   `json:"channel"`
	Version string   `json:"version,omitempty"`
	Methods []string `json:"methods"`
}

// Validate checks the version parses and the method names are non-empty and
// unique.
func (c Contract) Validate() error {
	if _, err := masterminds.StrictNewVersion(c.Version); err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", logPrefix, c.Version, err)
	}
	seen := make(map[string]struct{}, len(c.Methods))
	for _, m := range c.Methods {
		if m == "" {
			return fmt.Errorf("%s - empty method name", logPrefix)
		}
		if _, dup := seen[m]; dup {
			return fmt.Errorf("%s - duplicate method %q", logPrefix, m)
		}
		seen[m] = struct{}{}
	}
	return nil
}

// Describe returns the descriptor for channel with the methods sorted.
func (c Contract) Describe(channel string) *Descriptor {
	methods := append([]string(nil), c.Methods...)
	sort.Strings(methods)
	return &Descriptor{Channel: channel, Version: c.Version, Methods: methods}
}

// Has reports whether the descriptor lists method.
func (d *Descriptor) Has(method string) bool {
	for _, m := range d.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Satisfies reports whether the descriptor's version matches constraint
// (e.g. "^1.2.0", "~2", ">=1.0.0 <3"). An empty constraint matches anything,
// including unversioned channels.
func (d *Descriptor) Satisfies(constraint string) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	c, err := masterminds.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("%s - invalid constraint %q: %w", logPrefix, constraint, err)
	}
	if d.Version == "" {
		return false, nil
	}
	v, err := masterminds.NewVersion(d.Version)
	if err != nil {
		return false, fmt.Errorf("%s - channel %s has invalid version %q: %w", logPrefix, d.Channel, d.Version, err)
	}
	return c.Check(v), nil
}

// Ref is a channel name with an optional version constraint, written
// "channel@constraint".
type Ref struct {
	Channel    string
	Constraint string
	Raw        string
}

// ParseRef parses a channel reference.
//
// Supported formats:
//   - catalog            (no constraint)
//   - catalog@1          (major only)
//   - catalog@^1.2.0     (caret range)
//   - catalog@>=1.0.0 <3 (comparison range)
func ParseRef(input string) (*Ref, error) {
	raw := strings.TrimSpace(input)
	channel, constraint, _ := strings.Cut(raw, "@")
	if channel == "" {
		return nil, fmt.Errorf("%s - missing channel in %q", logPrefix, raw)
	}
	if constraint != "" {
		if _, err := masterminds.NewConstraint(constraint); err != nil {
			return nil, fmt.Errorf("%s - invalid constraint in %q: %w", logPrefix, raw, err)
		}
	}
	return &Ref{Channel: channel, Constraint: constraint, Raw: raw}, nil
}

// String renders the reference back to "channel@constraint" form.
func (r *Ref) String() string {
	if r.Constraint == "" {
		return r.Channel
	}
	return r.Channel + "@" + r.Constraint
}
