// Package prtg is a minimal client for the PRTG Network Monitor HTTP API,
// covering what the prtg connector needs: sensor table queries and a
// connectivity probe. Authentication is either an API token (PRTG >= 21.2)
// or the classic username+passhash pair.
package prtg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsconductor/opsconductor/pkg/tlsutil"
)

// Sensor status codes as PRTG reports them in status_raw and statusid.
const (
	StatusUnknown     = 1
	StatusScanning    = 2
	StatusUp          = 3
	StatusWarning     = 4
	StatusDown        = 5
	StatusNoProbe     = 6
	StatusPausedUser  = 7
	StatusPausedDep   = 8
	StatusPausedSched = 9
	StatusUnusual     = 10
	StatusPausedLic   = 11
	StatusPausedUntil = 12
	StatusDownAck     = 13
	StatusDownPartial = 14
)

// ClientConfig holds connection settings for one PRTG server.
type ClientConfig struct {
	URL       string
	APIToken  string
	Username  string
	Passhash  string
	VerifySSL bool
	Timeout   time.Duration
}

// Client is a PRTG API client. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cfg        ClientConfig
}

// NewClient validates the config and builds the client. The URL may omit the
// scheme; https is assumed.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("prtg url is required")
	}
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		cfg.URL = "https://" + cfg.URL
	}
	if cfg.APIToken == "" && (cfg.Username == "" || cfg.Passhash == "") {
		return nil, fmt.Errorf("prtg auth requires api_token or username+passhash")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		httpClient: tlsutil.CreateHTTPClientWithTimeout(cfg.VerifySSL, "", timeout),
		cfg:        cfg,
	}, nil
}

// Sensor is one row of the PRTG sensor table.
type Sensor struct {
	ObjID     int64  `json:"objid"`
	Sensor    string `json:"sensor"`
	Device    string `json:"device"`
	Host      string `json:"host"`
	Status    string `json:"status"`
	StatusRaw int    `json:"status_raw"`
	Message   string `json:"message_raw"`
	LastCheck string `json:"lastcheck"`
}

// Down reports whether the sensor is in a state worth alerting on.
func (s Sensor) Down() bool {
	switch s.StatusRaw {
	case StatusDown, StatusDownAck, StatusDownPartial, StatusWarning, StatusUnusual:
		return true
	}
	return false
}

type sensorTable struct {
	Version  string   `json:"prtg-version"`
	TreeSize int      `json:"treesize"`
	Sensors  []Sensor `json:"sensors"`
}

// Sensors queries the sensor table. filterStatus narrows the result to the
// given status_raw codes; empty fetches everything.
func (c *Client) Sensors(ctx context.Context, filterStatus ...int) ([]Sensor, error) {
	q := url.Values{}
	q.Set("content", "sensors")
	q.Set("output", "json")
	q.Set("columns", "objid,sensor,device,host,status,message,lastcheck")
	q.Set("count", "2500")
	for _, status := range filterStatus {
		q.Add("filter_status", strconv.Itoa(status))
	}

	var table sensorTable
	if err := c.get(ctx, "/api/table.json", q, &table); err != nil {
		return nil, err
	}
	return table.Sensors, nil
}

// ServerStatus is the subset of the PRTG status endpoint the connector
// reports in connection tests.
type ServerStatus struct {
	Version    string `json:"Version"`
	NewAlarms  int64  `json:"NewAlarms,string"`
	Alarms     int64  `json:"Alarms,string"`
	Background string `json:"BackgroundTasks"`
}

// Probe checks connectivity and capability. Newer servers answer
// /api/status.json; older ones only expose the table API, so a failed status
// call falls back to a one-row sensor query before giving up.
func (c *Client) Probe(ctx context.Context) (*ServerStatus, error) {
	var status ServerStatus
	err := c.get(ctx, "/api/status.json", url.Values{}, &status)
	if err == nil {
		return &status, nil
	}
	log.Debug().Err(err).Msg("PRTG status endpoint unavailable, probing table API")

	q := url.Values{}
	q.Set("content", "sensors")
	q.Set("output", "json")
	q.Set("columns", "objid")
	q.Set("count", "1")
	var table sensorTable
	if err := c.get(ctx, "/api/table.json", q, &table); err != nil {
		return nil, err
	}
	return &ServerStatus{Version: table.Version}, nil
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	if c.cfg.APIToken != "" {
		q.Set("apitoken", c.cfg.APIToken)
	} else {
		q.Set("username", c.cfg.Username)
		q.Set("passhash", c.cfg.Passhash)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("prtg request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("failed to read prtg response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("prtg rejected credentials (status %d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("prtg returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode prtg response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
