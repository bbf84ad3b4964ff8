package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pmarget/httptun/internal/version"
)

// HeaderTunnelEvent signals out-of-band stream events on receive responses.
// The only defined value is "eof": the remote target closed its side.
const HeaderTunnelEvent = "Tunnel-Event"

// HTTPOptions configures the long-poll HTTP transport.
type HTTPOptions struct {
	BaseURL  string
	Username string
	Password string
	Dial     DialFunc     // optional, e.g. an upstream SOCKS dialer
	Client   *http.Client // optional, mainly for tests
}

// HTTPTransport tunnels session bytes over plain request/response
// exchanges: connect, send, long-poll receive, ping, disconnect.
type HTTPTransport struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

func NewHTTP(opts HTTPOptions) (*HTTPTransport, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("proxy url must use http or https scheme, got %q", base.Scheme)
	}

	client := opts.Client
	if client == nil {
		rt := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 4,
		}
		if opts.Dial != nil {
			rt.DialContext = opts.Dial
		}
		// No client-wide timeout: receive is a long poll bounded by the
		// server's receive-wait window.
		client = &http.Client{Transport: rt}
	}

	return &HTTPTransport{
		base:     base,
		username: opts.Username,
		password: opts.Password,
		client:   client,
	}, nil
}

func (t *HTTPTransport) Open(ctx context.Context, host string, port int) (string, error) {
	q := url.Values{}
	q.Set("host", host)
	q.Set("port", strconv.Itoa(port))
	resp, err := t.do(ctx, http.MethodPost, "/tunnel/connect", q, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil {
		return "", fmt.Errorf("read session id: %w", err)
	}
	id := strings.TrimSpace(string(body))
	if id == "" {
		return "", fmt.Errorf("server returned empty session id")
	}
	return id, nil
}

func (t *HTTPTransport) Send(ctx context.Context, id string, p []byte) error {
	q := url.Values{}
	q.Set("id", id)
	resp, err := t.do(ctx, http.MethodPost, "/tunnel/send", q, bytes.NewReader(p))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func (t *HTTPTransport) Receive(ctx context.Context, id string) ([]byte, error) {
	q := url.Values{}
	q.Set("id", id)
	resp, err := t.do(ctx, http.MethodGet, "/tunnel/receive", q, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.Header.Get(HeaderTunnelEvent) == "eof" {
		return nil, io.EOF
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("receive body: %w", err)
	}
	return data, nil
}

func (t *HTTPTransport) Ping(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", id)
	resp, err := t.do(ctx, http.MethodPut, "/tunnel/ping", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := t.checkStatus(resp); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (t *HTTPTransport) Close(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", id)
	resp, err := t.do(ctx, http.MethodPost, "/tunnel/disconnect", q, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusGone {
		return nil
	}
	if err := t.checkStatus(resp); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (t *HTTPTransport) Stop() {
	t.client.CloseIdleConnections()
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, q url.Values, body io.Reader) (*http.Response, error) {
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "httptun-client/"+version.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	return t.client.Do(req)
}

func (t *HTTPTransport) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusGone:
		return ErrSessionGone
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("authentication rejected (%s)", resp.Status)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
