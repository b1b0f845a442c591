// Package gateway wraps the third-party IoT platform's REST API: RPC send,
// attribute reads, and online probes. It never retries; retry policy belongs
// to the callers, and for commands there is none.
package gateway

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
	"time"
)

type RPCRequest struct {
	Method  string
	Params  any
	Timeout time.Duration
	OneWay  bool
}

type RPCResponse struct {
	Acknowledged bool
	Body         json.RawMessage
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type rpcBody struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	TimeoutMS int64  `json:"timeout,omitempty"`
}

// SendRPC issues one command to one device. One-way requests return as soon
// as the platform accepts them; two-way requests block until the device
// acknowledges or the platform times out.
func (c *Client) SendRPC(ctx context.Context, deviceID string, req RPCRequest) (RPCResponse, error) {
	mode := "twoway"
	if req.OneWay {
		mode = "oneway"
	}
	body := rpcBody{Method: req.Method, Params: req.Params}
	if !req.OneWay && req.Timeout > 0 {
		body.TimeoutMS = req.Timeout.Milliseconds()
	}
	path := fmt.Sprintf("/api/plugins/rpc/%s/%s", mode, url.PathEscape(deviceID))
	raw, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return RPCResponse{}, err
	}
	return RPCResponse{Acknowledged: !req.OneWay, Body: raw}, nil
}

// GetAttributes reads current attribute values for a device. Missing keys are
// simply absent from the result.
func (c *Client) GetAttributes(ctx context.Context, deviceID string, keys []string) (map[string]any, error) {
	path := fmt.Sprintf("/api/plugins/telemetry/%s/values/attributes?keys=%s",
		url.PathEscape(deviceID), url.QueryEscape(strings.Join(keys, ",")))
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &attrs); err != nil {
			return nil, &TransportError{Message: "decode attributes: " + err.Error()}
		}
	}
	return attrs, nil
}

type onlineResponse struct {
	Online bool `json:"online"`
}

func (c *Client) IsOnline(ctx context.Context, deviceID string) (bool, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/device/"+url.PathEscape(deviceID)+"/online", nil)
	if err != nil {
		return false, err
	}
	var out onlineResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, &TransportError{Message: "decode online flag: " + err.Error()}
	}
	return out.Online, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, &TransportError{Message: "encode request: " + err.Error()}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &TransportError{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &TransportError{Message: err.Error()}
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = resp.Status
		}
		return nil, &TransportError{Status: resp.StatusCode, Message: msg}
	}
	return json.RawMessage(b), nil
}
