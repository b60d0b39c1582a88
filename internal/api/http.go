// Package api is a typed client for the messenger REST service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/turtlemessenger/turtle/internal/errs"
)

// Doer sends an HTTP request. *http.Client satisfies it; so does the session manager,
// which adds bearer authentication and the refresh-and-retry behaviour.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Credential endpoints. A 401/403 from one of these never triggers a token refresh.
const (
	PathLogin    = "/api/auth/login"
	PathRegister = "/api/auth/register"
	PathRefresh  = "/api/auth/refresh"
)

// IsAuthPath reports whether path is a credential endpoint. /api/auth/me is an
// ordinary authenticated call.
func IsAuthPath(path string) bool {
	path = strings.TrimRight(path, "/")
	for _, p := range []string{PathLogin, PathRegister, PathRefresh} {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

const maxErrorBody = 64 << 10

func newJSONRequest(ctx context.Context, method, url string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends req through d and decodes a 2xx JSON body into out (when non-nil).
// Non-2xx responses become *errs.APIError.
func do(d Doer, req *http.Request, out any) error {
	resp, err := d.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &errs.APIError{Status: resp.StatusCode, Message: errorMessage(b)}
}

func errorMessage(b []byte) string {
	var er errorResponse
	if err := json.Unmarshal(b, &er); err == nil {
		switch {
		case er.Error != "":
			return er.Error
		case er.Message != "":
			return er.Message
		}
		return ""
	}
	return strings.TrimSpace(string(b))
}

// ServerMessage returns the server-supplied text carried by err, if any.
func ServerMessage(err error) string {
	var ae *errs.APIError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return ""
}
