package resource

import (
	"fmt"
	"regexp"
	"slices"
)

var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Validate checks a batch of specs for declaration errors that need no engine
// access. Reference and cycle checks belong to the dependency graph.
func Validate(specs []Spec) error {
	if len(specs) == 0 {
		return &ConfigurationError{Reason: "no resources declared"}
	}

	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.Name == "" {
			return &ConfigurationError{Reason: "resource without a name"}
		}
		if !validName.MatchString(s.Name) {
			return &ConfigurationError{Resources: []string{s.Name}, Reason: "name must match " + validName.String()}
		}
		if seen[s.Name] {
			return &ConfigurationError{Resources: []string{s.Name}, Reason: "duplicate name"}
		}
		seen[s.Name] = true

		if err := validateSpec(s); err != nil {
			return err
		}
	}
	return nil
}

func validateSpec(s Spec) error {
	invalid := func(format string, args ...any) error {
		return &ConfigurationError{Resources: []string{s.Name}, Reason: fmt.Sprintf(format, args...)}
	}

	if slices.Contains(s.DependsOn, s.Name) || slices.Contains(s.Links, s.Name) {
		return invalid("resource depends on itself")
	}

	switch s.Kind {
	case KindNetwork:
		if s.Image != "" || len(s.ExposedPorts) > 0 || len(s.PinnedPorts) > 0 {
			return invalid("networks take no image or ports")
		}
		if len(s.WaitingFor) > 0 || len(s.Networks) > 0 || len(s.Links) > 0 {
			return invalid("networks take no readiness strategies, networks or links")
		}
		return nil
	case KindContainer, "":
	default:
		return invalid("unknown kind %q", s.Kind)
	}

	if s.Image == "" {
		return invalid("container without image")
	}
	if s.StartupTimeout < 0 {
		return invalid("negative startup timeout")
	}

	exposed, err := s.NormalizedPorts()
	if err != nil {
		return invalid("%v", err)
	}
	pinned, err := s.NormalizedPinnedPorts()
	if err != nil {
		return invalid("%v", err)
	}
	for p := range pinned {
		if !slices.Contains(exposed, p) {
			return invalid("pinned port %s is not exposed", p)
		}
	}

	for _, m := range s.Mounts {
		if m.Source == "" || m.Target == "" {
			return invalid("mount needs a source and a target")
		}
	}
	for _, f := range s.Files {
		if f.ContainerPath == "" || (f.HostPath == "" && f.Content == nil) {
			return invalid("file needs a container path and a host path or content")
		}
	}
	return nil
}
