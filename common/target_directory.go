/*
 *
 * cdpdriver - a Chrome DevTools protocol driver
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/grafana/cdpdriver/log"
)

const defaultDiscoveryTimeout = 10 * time.Second

// TargetDescriptor is a target as listed by the browser's discovery
// endpoint.
type TargetDescriptor struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
}

// VersionInfo is the answer of the /json/version endpoint.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// TargetDirectory lists the targets of a browser over HTTP.
type TargetDirectory struct {
	endpoint string
	client   *resty.Client
	logger   *log.Logger
}

// TargetDirectoryOption customizes a TargetDirectory.
type TargetDirectoryOption func(*TargetDirectory)

// WithHTTPTransport makes the directory use rt for its requests.
func WithHTTPTransport(rt http.RoundTripper) TargetDirectoryOption {
	return func(d *TargetDirectory) {
		d.client.SetTransport(rt)
	}
}

// WithRequestTimeout bounds every request of the directory.
func WithRequestTimeout(timeout time.Duration) TargetDirectoryOption {
	return func(d *TargetDirectory) {
		d.client.SetTimeout(timeout)
	}
}

// NewTargetDirectory returns a directory for the browser whose discovery
// endpoint is at endpoint, e.g. http://localhost:9222.
func NewTargetDirectory(endpoint string, logger *log.Logger, opts ...TargetDirectoryOption) *TargetDirectory {
	d := &TargetDirectory{
		endpoint: endpoint,
		client: resty.New().
			SetBaseURL(endpoint).
			SetHeader("Accept", "application/json").
			SetTimeout(defaultDiscoveryTimeout),
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Endpoint returns the base URL of the discovery endpoint.
func (d *TargetDirectory) Endpoint() string {
	return d.endpoint
}

// List returns the current targets of the browser.
func (d *TargetDirectory) List(ctx context.Context) ([]TargetDescriptor, error) {
	var targets []TargetDescriptor
	if err := d.get(ctx, "/json", &targets); err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}
	d.logger.Debugf("TargetDirectory:List", "endpoint:%q targets:%d", d.endpoint, len(targets))

	return targets, nil
}

// Version returns the browser and protocol versions. A browser answering it
// is ready to accept connections.
func (d *TargetDirectory) Version(ctx context.Context) (*VersionInfo, error) {
	var v VersionInfo
	if err := d.get(ctx, "/json/version", &v); err != nil {
		return nil, fmt.Errorf("getting browser version: %w", err)
	}

	return &v, nil
}

func (d *TargetDirectory) get(ctx context.Context, path string, result interface{}) error {
	resp, err := d.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(result).
		Get(path)
	if err != nil {
		return fmt.Errorf("requesting %s%s: %w", d.endpoint, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("requesting %s%s: unexpected status %s", d.endpoint, path, resp.Status())
	}

	return nil
}
