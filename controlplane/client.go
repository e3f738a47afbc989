package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPStore is a Store backed by a remote Server.
type HTTPStore struct {
	base   string
	client *http.Client
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a client of the server at baseURL, e.g.
// "http://lab-host:8000". A nil client uses a client with a 10s timeout.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("controlplane: invalid server url %q", baseURL)
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &HTTPStore{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

func (s *HTTPStore) Get(ctx context.Context, name string) (string, error) {
	var v Variable
	if err := s.do(ctx, http.MethodGet, name, nil, &v); err != nil {
		return "", err
	}

	return v.Value, nil
}

func (s *HTTPStore) Set(ctx context.Context, name, value string) error {
	body, err := json.Marshal(Variable{Name: name, Value: value})
	if err != nil {
		return err
	}

	return s.do(ctx, http.MethodPut, name, body, nil)
}

func (s *HTTPStore) do(ctx context.Context, method, name string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base+"/vars/"+url.PathEscape(name), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: %s %s: %w", method, name, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrReadOnly, name)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("controlplane: %s %s: %s: %s", method, name, resp.Status, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
