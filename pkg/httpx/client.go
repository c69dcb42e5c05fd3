package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrStatus is returned by Response.Check for non-2xx responses.
var ErrStatus = errors.New("unexpected http status")

const maxErrorBody = 512

// Request describes one outbound JSON call. Body is marshaled unless it is
// already a []byte. Retries apply to transport errors and 5xx responses only.
type Request struct {
	Method     string
	URL        string
	Body       any
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

type Response struct {
	Status int
	Body   []byte
}

func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Check turns a non-2xx response into an ErrStatus error carrying a
// truncated body.
func (r Response) Check() error {
	if r.OK() {
		return nil
	}
	body := strings.TrimSpace(string(r.Body))
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	return fmt.Errorf("%w: %d %s", ErrStatus, r.Status, body)
}

// Do performs the request with retry for transient failures.
func Do(ctx context.Context, client *http.Client, in Request) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	method := in.Method
	if method == "" {
		method = http.MethodPost
	}
	body, err := encodeBody(in.Body)
	if err != nil {
		return Response{}, err
	}
	retries := in.Retries
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, in.RetryDelay); err != nil {
				return Response{}, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, method, in.URL, bytes.NewReader(body))
		if err != nil {
			return Response{}, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range in.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}
		if resp.StatusCode >= 500 && attempt < retries {
			continue
		}
		return Response{Status: resp.StatusCode, Body: respBody}, nil
	}
	return Response{}, lastErr
}

// PostJSON posts payload and fails on any non-2xx status.
func PostJSON(ctx context.Context, client *http.Client, url string, payload any, headers map[string]string, retries int, retryDelay time.Duration) (Response, error) {
	resp, err := Do(ctx, client, Request{
		Method:     http.MethodPost,
		URL:        url,
		Body:       payload,
		Headers:    headers,
		Retries:    retries,
		RetryDelay: retryDelay,
	})
	if err != nil {
		return resp, err
	}
	return resp, resp.Check()
}

func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return raw, nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
