package comfy

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

	"github.com/gorilla/websocket"

	"chainrunner/internal/chain"
)

// DefaultClientID is the private client id the executor registers with the
// server, distinct from any browser session.
const DefaultClientID = "comfy-mobile-chain-executor-v1"

var (
	ErrExecutionFailed = errors.New("remote execution failed")
	ErrMonitorTimeout  = errors.New("remote execution timed out")
	ErrNoOutputNodes   = errors.New("no output nodes detected in workflow")
)

// Output is a raw file reference produced by one output node of a job.
type Output struct {
	NodeID    string `json:"nodeId"`
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type Config struct {
	BaseURL  string
	ClientID string

	SubmitTimeout    time.Duration
	HistoryTimeout   time.Duration
	InterruptTimeout time.Duration
	MonitorTimeout   time.Duration
	// PollInterval bounds how long the monitor loop goes without checking
	// liveness; it is not an execution deadline.
	PollInterval time.Duration
	PingInterval time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:          baseURL,
		ClientID:         DefaultClientID,
		SubmitTimeout:    30 * time.Second,
		HistoryTimeout:   10 * time.Second,
		InterruptTimeout: 10 * time.Second,
		MonitorTimeout:   600 * time.Second,
		PollInterval:     5 * time.Second,
		PingInterval:     20 * time.Second,
	}
}

// Client talks to the remote job server over HTTP and its websocket event stream.
type Client struct {
	baseURL  string
	wsURL    string
	clientID string
	cfg      Config
	http     *http.Client
	dialer   *websocket.Dialer
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("comfy base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse comfy base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported comfy url scheme %q", u.Scheme)
	}

	def := DefaultConfig(base)
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = def.ClientID
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if cfg.InterruptTimeout <= 0 {
		cfg.InterruptTimeout = def.InterruptTimeout
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = def.MonitorTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	return &Client{
		baseURL:  base,
		wsURL:    strings.TrimRight(u.String(), "/") + "/ws?clientId=" + url.QueryEscape(cfg.ClientID),
		clientID: cfg.ClientID,
		cfg:      cfg,
		http:     httpClient,
		dialer:   dialer,
	}, nil
}

func (c *Client) ClientID() string { return c.clientID }

type submitRequest struct {
	Prompt   chain.Graph `json:"prompt"`
	ClientID string      `json:"client_id"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// Submit queues a resolved job graph and returns the server-issued job id.
func (c *Client) Submit(ctx context.Context, graph chain.Graph) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit prompt: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out submitResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if strings.TrimSpace(out.PromptID) == "" {
		return "", fmt.Errorf("submit prompt: server returned no prompt_id")
	}
	return out.PromptID, nil
}

// HistoryEntry is the server's record of a finished job.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// History returns the finished-job record for jobID. ok is false when the
// server has no record yet.
func (c *Client) History(ctx context.Context, jobID string) (HistoryEntry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HistoryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(jobID), nil)
	if err != nil {
		return HistoryEntry{}, false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return HistoryEntry{}, false, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return HistoryEntry{}, false, fmt.Errorf("fetch history: status %d", resp.StatusCode)
	}
	var entries map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return HistoryEntry{}, false, fmt.Errorf("decode history: %w", err)
	}
	entry, ok := entries[jobID]
	return entry, ok, nil
}

// OutputsFromHistory collects the first file of each requested node found in
// the job's history record, in nodeIDs order.
func (c *Client) OutputsFromHistory(ctx context.Context, jobID string, nodeIDs []string) ([]Output, error) {
	entry, ok, err := c.History(ctx, jobID)
	if err != nil || !ok {
		return nil, err
	}
	return outputsFromEntry(entry, nodeIDs), nil
}

func outputsFromEntry(entry HistoryEntry, nodeIDs []string) []Output {
	out := make([]Output, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		nodeOut, ok := entry.Outputs[id]
		if !ok {
			continue
		}
		if f, ok := nodeOut.First(); ok {
			out = append(out, Output{NodeID: id, Filename: f.Filename, Subfolder: f.Subfolder, Type: f.Type})
		}
	}
	return out
}

// Interrupt asks the server to stop whatever job it is running right now.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.InterruptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/interrupt", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send interrupt: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("send interrupt: %d - %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
