// Package envfile reads compose-like environment files into resource specs.
//
//	networks:
//	  backend: {}
//	services:
//	  db:
//	    image: postgres:16
//	    ports: ["5432"]
//	    networks: [backend]
//	    wait:
//	      - log: "ready to accept connections"
//	        occurrence: 2
package envfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bnema/gantry/internal/logging"
	"github.com/bnema/gantry/pkg/pullpolicy"
	"github.com/bnema/gantry/pkg/resource"
	"github.com/bnema/gantry/pkg/wait"
)

type document struct {
	Networks yaml.Node `yaml:"networks"`
	Services yaml.Node `yaml:"services"`
}

type networkEntry struct {
	Driver    string            `yaml:"driver"`
	Labels    map[string]string `yaml:"labels"`
	DependsOn []string          `yaml:"depends_on"`
}

type serviceEntry struct {
	Image          string            `yaml:"image"`
	ContainerName  string            `yaml:"container_name"`
	Ports          []string          `yaml:"ports"`
	Environment    envMap            `yaml:"environment"`
	EnvFile        stringList        `yaml:"env_file"`
	Command        stringList        `yaml:"command"`
	Entrypoint     stringList        `yaml:"entrypoint"`
	Volumes        []string          `yaml:"volumes"`
	Networks       []string          `yaml:"networks"`
	Aliases        []string          `yaml:"aliases"`
	DependsOn      []string          `yaml:"depends_on"`
	Links          []string          `yaml:"links"`
	Labels         map[string]string `yaml:"labels"`
	PullPolicy     string            `yaml:"pull_policy"`
	Privileged     bool              `yaml:"privileged"`
	AutoRemove     bool              `yaml:"auto_remove"`
	Files          []fileEntry       `yaml:"files"`
	StartupTimeout time.Duration     `yaml:"startup_timeout"`
	Wait           []waitEntry       `yaml:"wait"`
}

type fileEntry struct {
	Source  string  `yaml:"source"`
	Content *string `yaml:"content"`
	Target  string  `yaml:"target"`
	Mode    int64   `yaml:"mode"`
}

type waitEntry struct {
	Log        string `yaml:"log"`
	Regexp     bool   `yaml:"regexp"`
	Occurrence int    `yaml:"occurrence"`

	HTTP    string            `yaml:"http"`
	Method  string            `yaml:"method"`
	Status  int               `yaml:"status"`
	TLS     bool              `yaml:"tls"`
	Headers map[string]string `yaml:"headers"`

	// Port is the checked port of an http wait, or the awaited port on its own.
	Port         string `yaml:"port"`
	ExposedPorts bool   `yaml:"exposed_ports"`
	Healthcheck  bool   `yaml:"healthcheck"`
	Exit         bool   `yaml:"exit"`

	Timeout  time.Duration `yaml:"timeout"`
	Interval time.Duration `yaml:"interval"`
}

// stringList accepts a sequence or a whitespace separated scalar.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = strings.Fields(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	}
	return fmt.Errorf("line %d: expected a string or a list", node.Line)
}

// envMap accepts a mapping or a list of KEY=VALUE entries. A bare KEY takes
// its value from the process environment.
type envMap map[string]string

func (e *envMap) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		*e = m
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		m := make(map[string]string, len(items))
		for _, item := range items {
			key, value, ok := strings.Cut(item, "=")
			if !ok {
				value = os.Getenv(key)
			}
			m[strings.TrimSpace(key)] = value
		}
		*e = m
		return nil
	}
	return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
}

// Loader turns environment files into specs.
type Loader struct {
	secretProviders map[string]SecretProvider
}

func NewLoader() *Loader {
	return &Loader{secretProviders: make(map[string]SecretProvider)}
}

func (l *Loader) RegisterSecretProvider(provider SecretProvider) {
	l.secretProviders[provider.Name()] = provider
}

// Load reads the environment file at path. Relative paths inside it are
// resolved against its directory.
func (l *Loader) Load(ctx context.Context, path string) ([]resource.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read environment file %s: %w", path, err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	specs, err := l.Parse(ctx, data, filepath.Dir(absPath))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// Parse decodes an environment file. Networks come first, then services, each
// in declaration order.
func (l *Loader) Parse(ctx context.Context, data []byte, baseDir string) ([]resource.Spec, error) {
	ctx = logging.WithFields(ctx, map[string]any{
		logging.FieldLayer:     "adapter",
		logging.FieldComponent: "envfile",
	})
	log := logging.FromCtx(ctx)

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid environment file: %w", err)
	}

	var specs []resource.Spec
	err := eachEntry(&doc.Networks, "networks", func(name string, node *yaml.Node) error {
		var entry networkEntry
		if err := decodeEntry(node, &entry); err != nil {
			return err
		}
		spec := resource.Network(name)
		spec.Driver = entry.Driver
		spec.Labels = entry.Labels
		spec.DependsOn = entry.DependsOn
		specs = append(specs, spec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = eachEntry(&doc.Services, "services", func(name string, node *yaml.Node) error {
		var entry serviceEntry
		if err := decodeEntry(node, &entry); err != nil {
			return err
		}
		spec, err := l.serviceSpec(ctx, name, entry, baseDir)
		if err != nil {
			return invalid(name, err)
		}
		specs = append(specs, spec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(specs) == 0 {
		return nil, &resource.ConfigurationError{Reason: "environment file declares no networks or services"}
	}

	log.Debug().Int("resources", len(specs)).Msg("environment file parsed")
	return specs, nil
}

// eachEntry walks a mapping node in document order.
func eachEntry(node *yaml.Node, section string, fn func(name string, value *yaml.Node) error) error {
	if node.Kind == 0 {
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: %s must be a mapping", node.Line, section)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if err := fn(node.Content[i].Value, node.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntry treats a null entry ("backend:") as empty.
func decodeEntry(node *yaml.Node, out any) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil
	}
	return node.Decode(out)
}

func invalid(name string, err error) error {
	return &resource.ConfigurationError{Resources: []string{name}, Reason: err.Error()}
}

func (l *Loader) serviceSpec(ctx context.Context, name string, entry serviceEntry, baseDir string) (resource.Spec, error) {
	spec := resource.Container(name, entry.Image)
	spec.ContainerName = entry.ContainerName
	spec.Cmd = entry.Command
	spec.Entrypoint = entry.Entrypoint
	spec.Networks = entry.Networks
	spec.NetworkAliases = entry.Aliases
	spec.DependsOn = entry.DependsOn
	spec.Links = entry.Links
	spec.Labels = entry.Labels
	spec.Privileged = entry.Privileged
	spec.AutoRemove = entry.AutoRemove
	spec.StartupTimeout = entry.StartupTimeout

	for _, p := range entry.Ports {
		exposed, host, err := parsePort(p)
		if err != nil {
			return spec, err
		}
		spec.ExposedPorts = append(spec.ExposedPorts, exposed)
		if host > 0 {
			if spec.PinnedPorts == nil {
				spec.PinnedPorts = make(map[string]int)
			}
			spec.PinnedPorts[exposed] = host
		}
	}

	env, err := l.environment(ctx, entry, baseDir)
	if err != nil {
		return spec, err
	}
	spec.Env = env

	for _, v := range entry.Volumes {
		m, err := parseVolume(v, baseDir)
		if err != nil {
			return spec, err
		}
		spec.Mounts = append(spec.Mounts, m)
	}

	for _, f := range entry.Files {
		file := resource.File{ContainerPath: f.Target, Mode: f.Mode}
		if f.Content != nil {
			file.Content = []byte(*f.Content)
		} else if f.Source != "" {
			file.HostPath = resolvePath(f.Source, baseDir)
		}
		spec.Files = append(spec.Files, file)
	}

	if entry.PullPolicy != "" {
		policy, err := pullpolicy.Parse(entry.PullPolicy)
		if err != nil {
			return spec, err
		}
		spec.PullPolicy = policy
	}

	for i, w := range entry.Wait {
		strategy, err := w.strategy()
		if err != nil {
			return spec, fmt.Errorf("wait[%d]: %w", i, err)
		}
		spec.WaitingFor = append(spec.WaitingFor, strategy)
	}

	return spec, nil
}

// environment merges env_file entries under explicit environment values,
// then resolves secret references.
func (l *Loader) environment(ctx context.Context, entry serviceEntry, baseDir string) (map[string]string, error) {
	env := make(map[string]string)
	if len(entry.EnvFile) > 0 {
		paths := make([]string, len(entry.EnvFile))
		for i, p := range entry.EnvFile {
			paths[i] = resolvePath(p, baseDir)
		}
		fromFiles, err := godotenv.Read(paths...)
		if err != nil {
			return nil, fmt.Errorf("env_file: %w", err)
		}
		for k, v := range fromFiles {
			env[k] = v
		}
	}
	for k, v := range entry.Environment {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		resolved, err := l.resolveSecrets(ctx, env[k])
		if err != nil {
			return nil, fmt.Errorf("environment %s: %w", k, err)
		}
		env[k] = resolved
	}

	if len(env) == 0 {
		return nil, nil
	}
	return env, nil
}

// parsePort accepts "5432", "5432/udp" and "15432:5432[/proto]".
func parsePort(p string) (exposed string, host int, err error) {
	parts := strings.Split(p, ":")
	switch len(parts) {
	case 1:
		return parts[0], 0, nil
	case 2:
		host, err := strconv.Atoi(parts[0])
		if err != nil {
			return "", 0, fmt.Errorf("invalid host port in %q", p)
		}
		return parts[1], host, nil
	}
	return "", 0, fmt.Errorf("invalid port %q: expected [host:]port[/proto]", p)
}

// parseVolume accepts "source:target[:ro|rw]".
func parseVolume(v, baseDir string) (resource.Mount, error) {
	parts := strings.Split(v, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return resource.Mount{}, fmt.Errorf("invalid volume %q: expected source:target[:ro]", v)
	}
	m := resource.Mount{Source: resolvePath(parts[0], baseDir), Target: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return resource.Mount{}, fmt.Errorf("invalid volume mode %q", parts[2])
		}
	}
	return m, nil
}

// resolvePath anchors relative paths at baseDir. Anything else, such as a
// named volume, is kept as written.
func resolvePath(p, baseDir string) string {
	if strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") || p == "." {
		return filepath.Join(baseDir, p)
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) && strings.ContainsRune(p, filepath.Separator) {
		return filepath.Join(baseDir, p)
	}
	return p
}

func (w waitEntry) strategy() (wait.Strategy, error) {
	kinds := 0
	for _, set := range []bool{w.Log != "", w.HTTP != "", w.Healthcheck, w.Exit, w.ExposedPorts} {
		if set {
			kinds++
		}
	}
	if kinds == 0 && w.Port != "" {
		kinds = 1
	}
	if kinds != 1 {
		return nil, fmt.Errorf("expected exactly one of log, http, port, exposed_ports, healthcheck or exit")
	}

	switch {
	case w.Log != "":
		s := wait.ForLog(w.Log)
		if w.Regexp {
			s = s.AsRegexp()
		}
		if w.Occurrence > 0 {
			s = s.WithOccurrence(w.Occurrence)
		}
		applyTiming(w, s.WithStartupTimeout, s.WithPollInterval)
		return s, nil

	case w.HTTP != "":
		s := wait.ForHTTP(w.HTTP)
		if w.Port != "" {
			s = s.WithPort(w.Port)
		}
		if w.Method != "" {
			s = s.WithMethod(w.Method)
		}
		if w.Status != 0 {
			want := w.Status
			s = s.WithStatusCodeMatcher(func(status int) bool { return status == want })
		}
		if w.TLS {
			s = s.WithTLS()
		}
		if len(w.Headers) > 0 {
			s = s.WithHeaders(w.Headers)
		}
		applyTiming(w, s.WithStartupTimeout, s.WithPollInterval)
		return s, nil

	case w.Healthcheck:
		s := wait.ForHealthCheck()
		applyTiming(w, s.WithStartupTimeout, s.WithPollInterval)
		return s, nil

	case w.Exit:
		s := wait.ForExit()
		applyTiming(w, s.WithStartupTimeout, s.WithPollInterval)
		return s, nil

	case w.ExposedPorts:
		s := wait.ForExposedPort()
		applyTiming(w, s.WithStartupTimeout, s.WithPollInterval)
		return s, nil
	}

	s := wait.ForListeningPort(w.Port)
	applyTiming(w, s.WithStartupTimeout, s.WithPollInterval)
	return s, nil
}

// applyTiming calls the strategy's builders for the durations that are set.
// The builders mutate their receiver, so results are discarded.
func applyTiming[S any](w waitEntry, timeout, interval func(time.Duration) S) {
	if w.Timeout > 0 {
		timeout(w.Timeout)
	}
	if w.Interval > 0 {
		interval(w.Interval)
	}
}
