// Package pullpolicy decides whether an image must be fetched before a
// container is created from it.
package pullpolicy

import (
	"fmt"
	"strings"
	"time"

	"github.com/bnema/gantry/pkg/engine"
)

// Policy decides from local image metadata whether a pull is required.
// local is nil when the image is not present on the engine.
type Policy interface {
	ShouldPull(imageRef string, local *engine.ImageData) bool
}

// PolicyFunc adapts a plain function to Policy.
type PolicyFunc func(imageRef string, local *engine.ImageData) bool

// ShouldPull calls f.
func (f PolicyFunc) ShouldPull(imageRef string, local *engine.ImageData) bool {
	return f(imageRef, local)
}

// AlwaysPull pulls regardless of local state.
func AlwaysPull() Policy {
	return PolicyFunc(func(string, *engine.ImageData) bool { return true })
}

// AlwaysUseLocal pulls only when the image is absent.
func AlwaysUseLocal() Policy {
	return PolicyFunc(func(_ string, local *engine.ImageData) bool { return local == nil })
}

// AgeBased pulls when the image is absent or was created more than maxAge ago.
func AgeBased(maxAge time.Duration) Policy {
	return ageBased{maxAge: maxAge, now: time.Now}
}

type ageBased struct {
	maxAge time.Duration
	now    func() time.Time
}

func (p ageBased) ShouldPull(_ string, local *engine.ImageData) bool {
	if local == nil {
		return true
	}
	return p.now().Sub(local.Created) > p.maxAge
}

// Default pulls when the image is absent, or when the local image is not
// tagged (or, for digest references, not pinned) with the requested reference.
func Default() Policy {
	return PolicyFunc(func(imageRef string, local *engine.ImageData) bool {
		if local == nil {
			return true
		}

		want := NormalizeReference(imageRef)
		candidates := local.RepoTags
		if IsDigestReference(imageRef) {
			candidates = local.RepoDigests
		}
		for _, c := range candidates {
			if NormalizeReference(c) == want {
				return false
			}
		}
		return true
	})
}

// Parse builds a policy from its configuration form: "always", "missing"
// (or "local"), "default", or "max-age=<duration>".
func Parse(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "default":
		return Default(), nil
	case "always":
		return AlwaysPull(), nil
	case "missing", "local", "never":
		return AlwaysUseLocal(), nil
	}

	if raw, ok := strings.CutPrefix(s, "max-age="); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid pull policy max age %q: %w", raw, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid pull policy max age %q: must be positive", raw)
		}
		return AgeBased(d), nil
	}

	return nil, fmt.Errorf("unknown pull policy %q", s)
}
