package domainrules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/haioco/antisanction/pkg/common"
)

const fetchTimeout = 30 * time.Second

// NewHTTPClient returns a client that never goes through the system proxy.
// Downloads must not depend on the proxy this program is about to configure.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: fetchTimeout}
}

// Fetch downloads a domain list and returns it decoded to UTF-8.
func Fetch(ctx context.Context, client *http.Client, url, charsetName string) ([]byte, error) {
	if client == nil {
		client = NewHTTPClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create domain list request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", common.AppName+"/domain-list")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch domain list from %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("failed to fetch domain list from %s: status %s, body: %s", url, resp.Status, string(preview))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxListSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read domain list from %s: %w", url, err)
	}
	if len(content) > maxListSizeBytes {
		return nil, fmt.Errorf("domain list %s exceeds maximum size limit (%d bytes)", url, maxListSizeBytes)
	}
	contentType := resp.Header.Get("Content-Type")
	slog.Debug("Fetched domain list", "url", url, "size", len(content), "content_type", contentType)

	return decode(content, charsetName, contentType)
}
