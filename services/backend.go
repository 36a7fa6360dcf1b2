package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
)

const maxErrorBody = 512

// Backend is one remote service: base URL, shared HTTP client and its circuit
// breaker. It is shared across sessions; the bearer token travels per call.
type Backend struct {
	Name    string
	BaseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewBackend(name, baseURL string, client *http.Client, breaker *gobreaker.CircuitBreaker) *Backend {
	if client == nil {
		client = http.DefaultClient
	}
	return &Backend{
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		breaker: breaker,
	}
}

// CountsAgainstBreaker reports whether err should trip a breaker. Client-side
// errors (4xx) say nothing about the backend's health.
func CountsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnavailable)
}

// BreakerIsSuccessful is the gobreaker IsSuccessful hook matching CountsAgainstBreaker.
func BreakerIsSuccessful(err error) bool {
	return !CountsAgainstBreaker(err)
}

type call struct {
	op     string
	method string
	path   string
	query  url.Values
	token  string
	body   any
	out    any
}

func (b *Backend) do(ctx context.Context, c call) error {
	if b.breaker == nil {
		return b.roundTrip(ctx, c)
	}
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.roundTrip(ctx, c)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &BackendError{Service: b.Name, Op: c.op, Kind: ErrUnavailable, Detail: err.Error()}
	}
	return err
}

func (b *Backend) roundTrip(ctx context.Context, c call) error {
	target := b.BaseURL + c.path
	if len(c.query) > 0 {
		target += "?" + c.query.Encode()
	}

	var reader io.Reader
	if c.body != nil {
		payload, err := json.Marshal(c.body)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %w", b.Name, c.op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, c.method, target, reader)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", b.Name, c.op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", b.Name, c.op, ctx.Err())
		}
		return &BackendError{Service: b.Name, Op: c.op, Kind: ErrUnavailable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &BackendError{
			Service: b.Name,
			Op:      c.op,
			Status:  resp.StatusCode,
			Kind:    kindForStatus(resp.StatusCode),
			Detail:  strings.TrimSpace(string(snippet)),
		}
	}

	if c.out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(c.out); err != nil {
		return &BackendError{Service: b.Name, Op: c.op, Status: resp.StatusCode, Kind: ErrUnavailable, Detail: "decode response: " + err.Error()}
	}
	return nil
}
