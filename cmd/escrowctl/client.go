package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const callerHeader = "X-Caller-Address"

type apiError struct {
	Status int
	Code   string `json:"code"`
	Err    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api status %d: %s", e.Status, e.Err)
	}
	return fmt.Sprintf("api status %d (%s): %s", e.Status, e.Code, e.Err)
}

type client struct {
	base   string
	token  string
	caller string
	http   *http.Client
}

func newClient(base, token, caller string) *client {
	return &client{
		base:   strings.TrimRight(strings.TrimSpace(base), "/"),
		token:  strings.TrimSpace(token),
		caller: strings.TrimSpace(caller),
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(method, path string, query url.Values, body any) (json.RawMessage, error) {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.caller != "" {
		req.Header.Set(callerHeader, c.caller)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Err == "" {
			apiErr.Err = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return raw, nil
}
