// Package netclient is the agent's HTTP client to the control server: it
// gzip-compresses outgoing JSON bodies and knows how to read the device's
// own serial number and wifi MAC for registration.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const homePostTimeout = 10 * time.Second

// Client is the agent's compressed-POST helper. Not safe for concurrent
// mutation of Hostname; Postman is its only caller and calls are serialized
// by virtue of being a single actor.
type Client struct {
	HTTPClient *http.Client
	Hostname   string
}

func New() *Client {
	return &Client{HTTPClient: &http.Client{Timeout: homePostTimeout}}
}

func (c *Client) SetHostname(h string) {
	c.Hostname = h
}

// SendCompressedPost gzip-encodes body as JSON and POSTs it to c.Hostname+path
// with the given bearer token.
func (c *Client) SendCompressedPost(ctx context.Context, token, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("netclient: marshal: %w", err)
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, fmt.Errorf("netclient: gzip: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("netclient: gzip close: %w", err)
	}

	url := strings.TrimRight(c.Hostname, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("netclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("netclient: do: %w", err)
	}
	return resp, nil
}

// GetSerial returns the device's serial number. Real embedded devices read
// this from a board-specific sysfs path; this falls back to the hostname
// when no such path exists, which is sufficient for development and tests.
func GetSerial() string {
	if b, err := os.ReadFile("/sys/class/dmi/id/product_serial"); err == nil {
		return strings.TrimSpace(string(b))
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

// GetMACWlan0 returns the MAC address of the wlan0 interface, or "" if it
// does not exist.
func GetMACWlan0() string {
	iface, err := net.InterfaceByName("wlan0")
	if err != nil {
		return ""
	}
	return iface.HardwareAddr.String()
}
