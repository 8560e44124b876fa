package envfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/gantry/pkg/resource"
	"github.com/bnema/gantry/pkg/wait"
)

type MockSecretProvider struct {
	name    string
	secrets map[string]string
	calls   []string
}

func (m *MockSecretProvider) Name() string {
	return m.name
}

func (m *MockSecretProvider) GetSecret(_ context.Context, path string) (string, error) {
	m.calls = append(m.calls, path)
	if secret, ok := m.secrets[path]; ok {
		return secret, nil
	}
	return "", errors.New("secret not found")
}

const fullEnvironment = `
networks:
  backend:
  frontend:
    driver: bridge
    labels:
      team: qa
services:
  db:
    image: postgres:16
    ports: ["5432", "15433:5433/tcp"]
    environment:
      POSTGRES_PASSWORD: ${vault:db/password}
      POSTGRES_DB: app
    env_file: ./db.env
    networks: [backend]
    aliases: [database]
    volumes:
      - ./data:/var/lib/postgresql/data
      - /etc/localtime:/etc/localtime:ro
    files:
      - source: ./init.sql
        target: /docker-entrypoint-initdb.d/init.sql
      - content: "listen_addresses = '*'"
        target: /etc/postgresql.conf
        mode: 0600
    startup_timeout: 90s
    pull_policy: missing
    wait:
      - log: "ready to accept connections"
        occurrence: 2
        timeout: 30s
      - port: 5432
  api:
    image: registry.local/api:dev
    command: serve --verbose
    entrypoint: ["/bin/api"]
    environment:
      - DATABASE_HOST=db
      - GANTRY_TEST_PASSTHROUGH
    ports: ["8080"]
    networks: [backend, frontend]
    depends_on: [db]
    links: [db]
    labels:
      role: api
    privileged: true
    wait:
      - http: /health
        port: 8080
        status: 204
        method: GET
        headers:
          Accept: application/json
        interval: 200ms
`

func writeEnvironment(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gantry-env.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_Load(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "db.env"), []byte("POSTGRES_DB=fromfile\nPOSTGRES_USER=test\n"), 0o644))
	t.Setenv("GANTRY_TEST_PASSTHROUGH", "inherited")

	loader := NewLoader()
	vault := &MockSecretProvider{name: "vault", secrets: map[string]string{"db/password": "s3cret"}}
	loader.RegisterSecretProvider(vault)

	specs, err := loader.Load(context.Background(), writeEnvironment(t, dir, fullEnvironment))
	require.NoError(t, err)
	require.Len(t, specs, 4)

	names := []string{specs[0].Name, specs[1].Name, specs[2].Name, specs[3].Name}
	assert.Equal(t, []string{"backend", "frontend", "db", "api"}, names)

	backend, frontend := specs[0], specs[1]
	assert.Equal(t, resource.KindNetwork, backend.Kind)
	assert.Empty(t, backend.Driver)
	assert.Equal(t, "bridge", frontend.Driver)
	assert.Equal(t, map[string]string{"team": "qa"}, frontend.Labels)

	db := specs[2]
	assert.Equal(t, resource.KindContainer, db.Kind)
	assert.Equal(t, "postgres:16", db.Image)
	assert.Equal(t, []string{"5432", "5433/tcp"}, db.ExposedPorts)
	assert.Equal(t, map[string]int{"5433/tcp": 15433}, db.PinnedPorts)
	assert.Equal(t, map[string]string{
		"POSTGRES_PASSWORD": "s3cret",
		"POSTGRES_DB":       "app",
		"POSTGRES_USER":     "test",
	}, db.Env)
	assert.Equal(t, []string{"db/password"}, vault.calls)
	assert.Equal(t, []string{"backend"}, db.Networks)
	assert.Equal(t, []string{"database"}, db.NetworkAliases)
	assert.Equal(t, []resource.Mount{
		{Source: filepath.Join(dir, "data"), Target: "/var/lib/postgresql/data"},
		{Source: "/etc/localtime", Target: "/etc/localtime", ReadOnly: true},
	}, db.Mounts)
	require.Len(t, db.Files, 2)
	assert.Equal(t, filepath.Join(dir, "init.sql"), db.Files[0].HostPath)
	assert.Equal(t, "/docker-entrypoint-initdb.d/init.sql", db.Files[0].ContainerPath)
	assert.Equal(t, []byte("listen_addresses = '*'"), db.Files[1].Content)
	assert.Equal(t, int64(0o600), db.Files[1].Mode)
	assert.Equal(t, 90*time.Second, db.StartupTimeout)
	assert.NotNil(t, db.PullPolicy)
	require.Len(t, db.WaitingFor, 2)
	logWait, ok := db.WaitingFor[0].(*wait.LogStrategy)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, logWait.Timeout())
	assert.IsType(t, &wait.PortStrategy{}, db.WaitingFor[1])

	api := specs[3]
	assert.Equal(t, []string{"serve", "--verbose"}, api.Cmd)
	assert.Equal(t, []string{"/bin/api"}, api.Entrypoint)
	assert.Equal(t, map[string]string{"DATABASE_HOST": "db", "GANTRY_TEST_PASSTHROUGH": "inherited"}, api.Env)
	assert.Equal(t, []string{"db"}, api.DependsOn)
	assert.Equal(t, []string{"db"}, api.Links)
	assert.Equal(t, map[string]string{"role": "api"}, api.Labels)
	assert.True(t, api.Privileged)
	assert.Nil(t, api.PullPolicy)
	require.Len(t, api.WaitingFor, 1)
	assert.IsType(t, &wait.HTTPStrategy{}, api.WaitingFor[0])

	assert.NoError(t, resource.Validate(specs))
}

func TestLoader_Parse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"not yaml", "services: [", "invalid environment file"},
		{"empty", "services: {}\n", "no networks or services"},
		{"services not a mapping", "services: [db]\n", "services must be a mapping"},
		{"bad port", "services:\n  db:\n    image: x\n    ports: [\"a:5432\"]\n", "invalid host port"},
		{"too many port parts", "services:\n  db:\n    image: x\n    ports: [\"127.0.0.1:1:2\"]\n", "invalid port"},
		{"bad volume", "services:\n  db:\n    image: x\n    volumes: [\"/only\"]\n", "invalid volume"},
		{"bad volume mode", "services:\n  db:\n    image: x\n    volumes: [\"/a:/b:rx\"]\n", "invalid volume mode"},
		{"bad pull policy", "services:\n  db:\n    image: x\n    pull_policy: sometimes\n", "unknown pull policy"},
		{"ambiguous wait", "services:\n  db:\n    image: x\n    wait:\n      - log: ready\n        exit: true\n", "exactly one"},
		{"empty wait", "services:\n  db:\n    image: x\n    wait:\n      - timeout: 5s\n", "exactly one"},
		{"unknown secret provider", "services:\n  db:\n    image: x\n    environment:\n      A: ${nope:x}\n", "unknown secret provider"},
		{"missing env file", "services:\n  db:\n    image: x\n    env_file: ./absent.env\n", "env_file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse(context.Background(), []byte(tt.content), t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoader_Parse_ServiceErrorsAreConfigurationErrors(t *testing.T) {
	_, err := NewLoader().Parse(context.Background(), []byte("services:\n  db:\n    image: x\n    ports: [\"a:1\"]\n"), t.TempDir())

	var cfgErr *resource.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, []string{"db"}, cfgErr.Resources)
	assert.ErrorIs(t, err, resource.ErrConfiguration)
}

func TestLoader_Load_MissingFile(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWaitEntryStrategies(t *testing.T) {
	tests := []struct {
		name  string
		entry waitEntry
		want  wait.Strategy
	}{
		{"healthcheck", waitEntry{Healthcheck: true}, &wait.HealthStrategy{}},
		{"exit", waitEntry{Exit: true}, &wait.ExitStrategy{}},
		{"exposed ports", waitEntry{ExposedPorts: true}, &wait.PortStrategy{}},
		{"port", waitEntry{Port: "6379"}, &wait.PortStrategy{}},
		{"http", waitEntry{HTTP: "/", TLS: true}, &wait.HTTPStrategy{}},
		{"log", waitEntry{Log: "^ready$", Regexp: true}, &wait.LogStrategy{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := tt.entry.strategy()
			require.NoError(t, err)
			assert.IsType(t, tt.want, s)
		})
	}
}

func TestResolvePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"./init.sql", "/base/init.sql"},
		{"../shared/x", "/shared/x"},
		{"conf/app.yaml", "/base/conf/app.yaml"},
		{"/abs/path", "/abs/path"},
		{"named-volume", "named-volume"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, resolvePath(tt.input, "/base"))
		})
	}
}
