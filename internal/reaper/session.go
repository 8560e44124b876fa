// Package reaper guarantees that session resources disappear when the
// process that created them dies. A watchdog holds one TCP connection per
// client and sweeps everything carrying the registered labels once the
// connections are gone.
package reaper

import (
	"fmt"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/bnema/gantry/pkg/resource"
)

// Session scopes the resources of one orchestrator.
type Session struct {
	id string
}

// NewSession mints a session with a random id.
func NewSession() Session {
	return Session{id: uuid.NewString()}
}

// SessionFromID rebuilds a session, e.g. to sweep a detached environment.
func SessionFromID(id string) Session {
	return Session{id: id}
}

// ID returns the session id.
func (s Session) ID() string { return s.id }

// Labels returns the labels every resource of the session carries.
func (s Session) Labels() map[string]string {
	return map[string]string{
		resource.LabelManaged: "true",
		resource.LabelSession: s.id,
	}
}

// Filter returns the watchdog filter matching the session.
func (s Session) Filter() Filter {
	return Filter(s.Labels())
}

// Filter is a set of labels that must all match.
type Filter map[string]string

// Encode renders the filter in the watchdog wire form:
// label=k%3Dv&label=k2%3Dv2
func (f Filter) Encode() string {
	values := url.Values{}
	for _, k := range slices.Sorted(maps.Keys(f)) {
		values.Add("label", k+"="+f[k])
	}
	return values.Encode()
}

// String implements fmt.Stringer.
func (f Filter) String() string { return f.Encode() }

// ParseFilter decodes one filter line. Only label filters are understood.
func ParseFilter(line string) (Filter, error) {
	line = strings.TrimSpace(line)
	values, err := url.ParseQuery(line)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", line, err)
	}

	f := Filter{}
	for key, vals := range values {
		if key != "label" {
			return nil, fmt.Errorf("unsupported filter %q", key)
		}
		for _, v := range vals {
			k, val, _ := strings.Cut(v, "=")
			if k == "" {
				return nil, fmt.Errorf("invalid label filter %q", v)
			}
			f[k] = val
		}
	}
	if len(f) == 0 {
		return nil, fmt.Errorf("empty filter")
	}
	return f, nil
}
