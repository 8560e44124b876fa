package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/gantry/pkg/engine"
)

func newEngineForHTTPServer(t *testing.T, server *httptest.Server) *Engine {
	t.Helper()

	host := strings.TrimPrefix(server.URL, "http://")
	cli, err := client.NewClientWithOpts(client.WithHost("tcp://"+host), client.WithVersion("1.41"), client.WithHTTPClient(server.Client()))
	require.NoError(t, err)

	return NewWithClient(cli)
}

func frameDockerStream(streamID byte, payload []byte) []byte {
	frame := make([]byte, 8+len(payload))
	frame[0] = streamID
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}

func TestEngine_InspectContainer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1.41/containers/abc123/json", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Id":"abc123",
			"Name":"/gantry-db-01234567",
			"State":{"Status":"running","Running":true,"ExitCode":0,"Health":{"Status":"healthy"}},
			"Config":{"Image":"postgres:16","Labels":{"gantry.managed":"true"},"Healthcheck":{"Test":["CMD","pg_isready"]}},
			"NetworkSettings":{
				"Ports":{"5432/tcp":[{"HostIp":"0.0.0.0","HostPort":"32771"}],"9999/tcp":null},
				"Networks":{"gantry-backend":{"IPAddress":"172.18.0.2","Aliases":["db"]}}
			}
		}`))
	}))
	defer server.Close()

	info, err := newEngineForHTTPServer(t, server).InspectContainer(context.Background(), "abc123")
	require.NoError(t, err)

	assert.Equal(t, "gantry-db-01234567", info.Name)
	assert.Equal(t, "postgres:16", info.Image)
	assert.True(t, info.State.Running)
	assert.True(t, info.State.HasHealthcheck)
	assert.Equal(t, "healthy", info.State.Health)
	assert.Equal(t, map[string]int{"5432/tcp": 32771}, info.Ports)
	assert.Equal(t, engine.Endpoint{IPAddress: "172.18.0.2", Aliases: []string{"db"}}, info.Networks["gantry-backend"])
	assert.Equal(t, "true", info.Labels["gantry.managed"])
}

func TestEngine_InspectContainer_DisabledHealthcheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Id":"abc123",
			"State":{"Status":"exited","Running":false,"ExitCode":3,"Health":{"Status":"starting"}},
			"Config":{"Healthcheck":{"Test":["NONE"]}}
		}`))
	}))
	defer server.Close()

	info, err := newEngineForHTTPServer(t, server).InspectContainer(context.Background(), "abc123")
	require.NoError(t, err)
	assert.False(t, info.State.HasHealthcheck)
	assert.Empty(t, info.State.Health)
	assert.True(t, info.State.Exited())
	assert.Equal(t, 3, info.State.ExitCode)
}

func TestEngine_NotFoundIsMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No such container: abc123"}`))
	}))
	defer server.Close()

	e := newEngineForHTTPServer(t, server)
	_, err := e.InspectContainer(context.Background(), "abc123")
	assert.True(t, engine.IsNotFound(err))
	assert.True(t, engine.IsNotFound(e.RemoveContainer(context.Background(), "abc123")))
	_, err = e.InspectImage(context.Background(), "missing:1")
	assert.True(t, engine.IsNotFound(err))
}

func TestEngine_InspectImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/images/redis:7/json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Id":"sha256:aaa",
			"Created":"2024-03-01T10:00:00.123456789Z",
			"RepoTags":["redis:7"],
			"RepoDigests":["redis@sha256:bbb"]
		}`))
	}))
	defer server.Close()

	img, err := newEngineForHTTPServer(t, server).InspectImage(context.Background(), "redis:7")
	require.NoError(t, err)
	assert.Equal(t, "sha256:aaa", img.ID)
	assert.Equal(t, []string{"redis:7"}, img.RepoTags)
	assert.Equal(t, []string{"redis@sha256:bbb"}, img.RepoDigests)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC), img.Created.UTC())
}

func TestEngine_PullImage(t *testing.T) {
	tests := []struct {
		name    string
		stream  string
		wantErr string
	}{
		{
			name: "completed",
			stream: `{"status":"Pulling from library/redis","id":"7"}
{"status":"Digest: sha256:bbb"}
{"status":"Status: Downloaded newer image for redis:7"}
`,
		},
		{
			name: "error inside stream",
			stream: `{"status":"Pulling from library/redis","id":"7"}
{"errorDetail":{"message":"no matching manifest for linux/arm64 in the manifest list entries"},"error":"no matching manifest for linux/arm64 in the manifest list entries"}
`,
			wantErr: "no matching manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1.41/images/create", r.URL.Path)
				assert.Contains(t, r.URL.Query().Get("fromImage"), "redis")
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.stream))
			}))
			defer server.Close()

			err := newEngineForHTTPServer(t, server).PullImage(context.Background(), "redis:7")
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestEngine_CreateContainer(t *testing.T) {
	var connected []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1.41/containers/create":
			assert.Equal(t, "gantry-api-01234567", r.URL.Query().Get("name"))

			var body struct {
				Image        string
				Env          []string
				Cmd          []string
				ExposedPorts map[string]struct{}
				Labels       map[string]string
				HostConfig   struct {
					PortBindings map[string][]struct{ HostIP, HostPort string }
					Binds        []string
					Links        []string
					NetworkMode  string
					AutoRemove   bool
				}
				NetworkingConfig struct {
					EndpointsConfig map[string]struct{ Aliases []string }
				}
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "api:latest", body.Image)
			assert.Equal(t, []string{"A=1", "B=2"}, body.Env)
			assert.Contains(t, body.ExposedPorts, "8080/tcp")
			assert.Contains(t, body.ExposedPorts, "53/udp")
			assert.Equal(t, "9090", body.HostConfig.PortBindings["8080/tcp"][0].HostPort)
			assert.Equal(t, "", body.HostConfig.PortBindings["53/udp"][0].HostPort)
			assert.Equal(t, []string{"/tmp/data:/data:ro"}, body.HostConfig.Binds)
			assert.Equal(t, []string{"gantry-db-01234567:db"}, body.HostConfig.Links)
			assert.Equal(t, "front", body.HostConfig.NetworkMode)
			assert.Equal(t, []string{"api"}, body.NetworkingConfig.EndpointsConfig["front"].Aliases)
			assert.Equal(t, "01234567", body.Labels["gantry.session"])

			_, _ = w.Write([]byte(`{"Id":"new123","Warnings":[]}`))
		case strings.HasSuffix(r.URL.Path, "/connect"):
			connected = append(connected, r.URL.Path)
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	id, err := newEngineForHTTPServer(t, server).CreateContainer(context.Background(), &engine.ContainerConfig{
		Name:         "gantry-api-01234567",
		Image:        "api:latest",
		Env:          map[string]string{"B": "2", "A": "1"},
		ExposedPorts: []string{"8080/tcp", "53/udp"},
		PortBindings: map[string]string{"8080/tcp": "9090", "53/udp": ""},
		Binds:        []string{"/tmp/data:/data:ro"},
		Links:        []string{"gantry-db-01234567:db"},
		Networks: []engine.NetworkAttachment{
			{Network: "front", Aliases: []string{"api"}},
			{Network: "back", Aliases: []string{"api"}},
		},
		Labels: map[string]string{"gantry.session": "01234567"},
	})
	require.NoError(t, err)
	assert.Equal(t, "new123", id)
	assert.Equal(t, []string{"/v1.41/networks/back/connect"}, connected)
}

func TestEngine_ListContainersFiltersByLabel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/containers/json", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("all"))
		assert.Contains(t, r.URL.Query().Get("filters"), "gantry.session=abc")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"Id":"c1","Names":["/gantry-a-abc"],"Image":"alpine","State":"running","Labels":{"gantry.session":"abc"}}]`))
	}))
	defer server.Close()

	list, err := newEngineForHTTPServer(t, server).ListContainers(context.Background(), map[string]string{"gantry.session": "abc"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "gantry-a-abc", list[0].Name)
	assert.True(t, list[0].State.Running)
}

func TestEngine_Networks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1.41/networks/create":
			var body struct {
				Name   string
				Driver string
				Labels map[string]string
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "gantry-net", body.Name)
			assert.Equal(t, "bridge", body.Driver)
			_, _ = w.Write([]byte(`{"Id":"net1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1.41/networks":
			_, _ = w.Write([]byte(`[{"Id":"net1","Name":"gantry-net","Driver":"bridge","Labels":{"gantry.managed":"true"}}]`))
		case r.Method == http.MethodDelete && r.URL.Path == "/v1.41/networks/net1":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	e := newEngineForHTTPServer(t, server)
	ctx := context.Background()

	id, err := e.CreateNetwork(ctx, &engine.NetworkConfig{Name: "gantry-net", Labels: map[string]string{"gantry.managed": "true"}})
	require.NoError(t, err)
	assert.Equal(t, "net1", id)

	list, err := e.ListNetworks(ctx, map[string]string{"gantry.managed": "true"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "gantry-net", list[0].Name)

	require.NoError(t, e.RemoveNetwork(ctx, "net1"))
}

func TestEngine_ContainerLogsAreDemultiplexed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.41/containers/abc/logs", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("stdout"))
		assert.Equal(t, "1", r.URL.Query().Get("stderr"))
		_, _ = w.Write(frameDockerStream(1, []byte("hello\n")))
		_, _ = w.Write(frameDockerStream(2, []byte("warn\n")))
	}))
	defer server.Close()

	logs, err := newEngineForHTTPServer(t, server).ContainerLogs(context.Background(), "abc", false)
	require.NoError(t, err)
	defer logs.Close()

	out, err := io.ReadAll(logs)
	require.NoError(t, err)
	assert.Equal(t, "hello\nwarn\n", string(out))
}

func TestEngine_CopyToContainer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1.41/containers/abc/archive", r.URL.Path)
		assert.Equal(t, "/", r.URL.Query().Get("path"))

		tr := tar.NewReader(r.Body)
		hdr, err := tr.Next()
		require.NoError(t, err)
		assert.Equal(t, "etc/app/config.yaml", hdr.Name)
		assert.EqualValues(t, 0o600, hdr.Mode)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.Equal(t, "debug: true", string(content))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newEngineForHTTPServer(t, server).CopyToContainer(context.Background(), "abc", []engine.File{
		{Path: "/etc/app/config.yaml", Content: []byte("debug: true"), Mode: 0o600},
	})
	require.NoError(t, err)
}

func TestTarFiles_DefaultsModeAndRejectsRoot(t *testing.T) {
	archive, err := tarFiles([]engine.File{{Path: "/a.txt", Content: []byte("a")}})
	require.NoError(t, err)
	hdr, err := tar.NewReader(archive).Next()
	require.NoError(t, err)
	assert.EqualValues(t, defaultFileMode, hdr.Mode)

	_, err = tarFiles([]engine.File{{Path: "/"}})
	assert.Error(t, err)
}

func TestParseExecOutput_SplitsStdoutAndStderr(t *testing.T) {
	stream := append(frameDockerStream(1, []byte("hello\n")), frameDockerStream(2, []byte("warn\n"))...)

	stdout, stderr, err := parseExecOutput(bytes.NewReader(stream))

	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), stdout)
	assert.Equal(t, []byte("warn\n"), stderr)
}

func TestEngine_Exec_RejectsEmptyCommand(t *testing.T) {
	e := &Engine{}

	tests := []struct {
		name string
		cmd  []string
	}{
		{name: "nil", cmd: nil},
		{name: "empty slice", cmd: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Exec(context.Background(), "abc123", tt.cmd)
			require.Error(t, err)
			assert.Nil(t, result)
		})
	}
}

func TestHostFromDaemon(t *testing.T) {
	tests := []struct {
		daemon  string
		want    string
		wantErr bool
	}{
		{daemon: "unix:///var/run/docker.sock", want: "localhost"},
		{daemon: "npipe:////./pipe/docker_engine", want: "localhost"},
		{daemon: "tcp://10.0.0.5:2376", want: "10.0.0.5"},
		{daemon: "ssh://user@builder.internal", want: "builder.internal"},
		{daemon: "fd://3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.daemon, func(t *testing.T) {
			got, err := hostFromDaemon(tt.daemon)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
