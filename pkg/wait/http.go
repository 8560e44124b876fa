package wait

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

var _ Strategy = (*HTTPStrategy)(nil)

// HTTPStrategy polls an HTTP endpoint on a mapped port until the status and
// body predicates hold.
type HTTPStrategy struct {
	path            string
	port            string
	method          string
	body            string
	headers         map[string]string
	useTLS          bool
	user, password  string
	statusMatcher   func(status int) bool
	responseMatcher func(body io.Reader) bool
	client          *http.Client
	cfg             pollConfig
}

// ForHTTP waits until a GET on path answers 200.
func ForHTTP(path string) *HTTPStrategy {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &HTTPStrategy{
		path:          path,
		method:        http.MethodGet,
		statusMatcher: func(status int) bool { return status == http.StatusOK },
		cfg:           pollConfig{name: "http", exponential: true, attemptTimeout: 2 * time.Second},
	}
}

// WithPort selects the container port to check. Defaults to the lowest exposed port.
func (s *HTTPStrategy) WithPort(port string) *HTTPStrategy {
	s.port = port
	return s
}

// WithMethod sets the request method and an optional body.
func (s *HTTPStrategy) WithMethod(method string, body ...string) *HTTPStrategy {
	s.method = strings.ToUpper(method)
	s.body = strings.Join(body, "")
	return s
}

// WithStatusCodeMatcher replaces the status predicate.
func (s *HTTPStrategy) WithStatusCodeMatcher(fn func(status int) bool) *HTTPStrategy {
	s.statusMatcher = fn
	return s
}

// WithResponseMatcher adds a predicate on the response body.
func (s *HTTPStrategy) WithResponseMatcher(fn func(body io.Reader) bool) *HTTPStrategy {
	s.responseMatcher = fn
	return s
}

// WithTLS checks over https without verifying the certificate chain.
func (s *HTTPStrategy) WithTLS() *HTTPStrategy {
	s.useTLS = true
	return s
}

// WithBasicAuth sends basic credentials.
func (s *HTTPStrategy) WithBasicAuth(user, password string) *HTTPStrategy {
	s.user, s.password = user, password
	return s
}

// WithHeaders adds request headers.
func (s *HTTPStrategy) WithHeaders(headers map[string]string) *HTTPStrategy {
	if s.headers == nil {
		s.headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		s.headers[k] = v
	}
	return s
}

// WithHTTPClient sets a custom HTTP client.
func (s *HTTPStrategy) WithHTTPClient(client *http.Client) *HTTPStrategy {
	s.client = client
	return s
}

// WithStartupTimeout bounds the whole wait.
func (s *HTTPStrategy) WithStartupTimeout(d time.Duration) *HTTPStrategy {
	s.cfg.timeout = d
	return s
}

// WithPollInterval sets the initial delay between requests. The delay grows
// exponentially up to sixteen times this value.
func (s *HTTPStrategy) WithPollInterval(d time.Duration) *HTTPStrategy {
	s.cfg.interval = d
	return s
}

// Timeout returns the explicitly configured startup timeout, zero if unset.
func (s *HTTPStrategy) Timeout() time.Duration { return s.cfg.timeout }

func (s *HTTPStrategy) String() string {
	return fmt.Sprintf("http(%s %s)", s.method, s.path)
}

// WaitUntilReady implements Strategy.
func (s *HTTPStrategy) WaitUntilReady(ctx context.Context, target Target) error {
	port, err := resolvePort(s.port, target)
	if err != nil {
		return err
	}

	client := s.client
	if client == nil {
		client = newCheckClient(s.useTLS)
	}
	scheme := "http"
	if s.useTLS {
		scheme = "https"
	}

	cfg := s.cfg
	cfg.name = s.String()
	return poll(ctx, target, cfg, func(ctx context.Context) (bool, string, error) {
		host, err := target.Host(ctx)
		if err != nil {
			return false, "resolving host: " + err.Error(), nil
		}
		mapped, err := target.MappedPort(ctx, port)
		if err != nil {
			return false, "resolving port: " + err.Error(), nil
		}

		url := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(host, strconv.Itoa(mapped)), s.path)
		var body io.Reader
		if s.body != "" {
			body = strings.NewReader(s.body)
		}
		req, err := http.NewRequestWithContext(ctx, s.method, url, body)
		if err != nil {
			return false, "", fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", "gantry-readiness/1.0")
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}
		if s.user != "" || s.password != "" {
			req.SetBasicAuth(s.user, s.password)
		}

		resp, err := client.Do(req)
		if err != nil {
			return false, fmt.Sprintf("%s %s: %v", s.method, url, err), nil
		}
		defer resp.Body.Close()

		observation := fmt.Sprintf("%s %s: status %d", s.method, url, resp.StatusCode)
		if !s.statusMatcher(resp.StatusCode) {
			return false, observation, nil
		}
		if s.responseMatcher != nil && !s.responseMatcher(resp.Body) {
			return false, observation + ", body did not match", nil
		}
		return true, observation, nil
	})
}

// newCheckClient builds a client that does not follow redirects and accepts
// self-signed certificates.
func newCheckClient(useTLS bool) *http.Client {
	transport := &http.Transport{DisableKeepAlives: true}
	if useTLS {
		// #nosec G402 - readiness checks target throwaway containers with self-signed certificates.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// resolvePort returns the configured port, or the lowest exposed tcp port.
func resolvePort(port string, target Target) (string, error) {
	if port != "" {
		return port, nil
	}
	exposed := target.ExposedPorts()
	if len(exposed) == 0 {
		return "", fmt.Errorf("no port configured and the container exposes none")
	}
	ports := append([]string(nil), exposed...)
	sort.Slice(ports, func(i, j int) bool { return portNumber(ports[i]) < portNumber(ports[j]) })
	for _, p := range ports {
		if !strings.HasSuffix(p, "/udp") {
			return p, nil
		}
	}
	return ports[0], nil
}

func portNumber(port string) int {
	n, _ := strconv.Atoi(strings.SplitN(port, "/", 2)[0])
	return n
}
