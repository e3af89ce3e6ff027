package peerforwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Avi18971911/Flume/pkg/event"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

const forwardPath = "/forward"

// wireRequest is the peer-forwarder RPC body.
type wireRequest struct {
	PipelineName string                   `json:"pipelineName"`
	PluginID     string                   `json:"pluginId"`
	Events       []map[string]interface{} `json:"events"`
}

// Client posts forwarded events to peer endpoints over HTTP/2 (h2c).
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(requestTimeout time.Duration, logger *zap.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 3 * time.Second
	}
	transport := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
	}
	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		logger: logger,
	}
}

// ForwardRecords sends one batch to a peer. Any non-2xx response is an
// error; the caller falls back to local processing.
func (c *Client) ForwardRecords(
	ctx context.Context,
	endpoint string,
	pipelineName string,
	pluginID string,
	records []*event.Record,
) error {
	events := make([]map[string]interface{}, 0, len(records))
	for _, record := range records {
		events = append(events, record.Event().ToMap())
	}
	body, err := json.Marshal(wireRequest{
		PipelineName: pipelineName,
		PluginID:     pluginID,
		Events:       events,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal forward request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+endpoint+forwardPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build forward request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to forward records to peer %s: %w", endpoint, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("peer %s rejected forwarded records with status %d", endpoint, response.StatusCode)
	}
	return nil
}
