package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemotePlugin proxies a plugin served by an HTTP endpoint.
//
//	GET  {endpoint}/functions -> Descriptor
//	POST {endpoint}/execute   -> Result
type RemotePlugin struct {
	endpoint string
	client   *http.Client
	desc     Descriptor
}

type remoteExecuteRequest struct {
	Function  string         `json:"function"`
	Arguments map[string]any `json:"arguments"`
	UserID    string         `json:"user_id"`
}

// NewRemotePlugin fetches the descriptor from endpoint. A non-empty name
// overrides the advertised plugin name.
func NewRemotePlugin(ctx context.Context, name, endpoint string, timeout time.Duration) (*RemotePlugin, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	p := &RemotePlugin{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/functions", nil)
	if err != nil {
		return nil, fmt.Errorf("build descriptor request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch descriptor from %s: %w", p.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch descriptor from %s: status %d", p.endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&p.desc); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if name != "" {
		p.desc.Name = name
	}
	return p, nil
}

// Descriptor implements Plugin.
func (p *RemotePlugin) Descriptor() Descriptor {
	return p.desc
}

// Execute implements Plugin.
func (p *RemotePlugin) Execute(ctx context.Context, function string, args map[string]any, userID string) (Result, error) {
	body, err := json.Marshal(remoteExecuteRequest{Function: function, Arguments: args, UserID: userID})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call %s: %w", p.desc.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%s returned status %d: %s", p.desc.Name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return res, nil
}
