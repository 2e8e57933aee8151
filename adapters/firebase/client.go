// Package firebase writes event batches and directory records through the
// Realtime Database REST API.
package firebase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUnexpectedStatus = errors.New("unexpected status")

type Options struct {
	Client *http.Client
	// Auth is appended as ?auth= when set.
	Auth string
	Log  *slog.Logger
}

type client struct {
	http *http.Client
	auth string
	log  *slog.Logger
}

func newClient(opts Options) client {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return client{http: opts.Client, auth: opts.Auth, log: opts.Log}
}

// endpoint joins base and a path of already sanitized segments and adds the
// .json suffix the REST API expects.
func (c client) endpoint(base string, segments ...string) string {
	u := strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/") + ".json"
	if c.auth != "" {
		u += "?auth=" + url.QueryEscape(c.auth)
	}
	return u
}

func (c client) do(ctx context.Context, method, target string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%w: %s %s: %d %s", ErrUnexpectedStatus, method, redact(target), res.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func redact(target string) string {
	if i := strings.Index(target, "?"); i >= 0 {
		return target[:i]
	}
	return target
}
