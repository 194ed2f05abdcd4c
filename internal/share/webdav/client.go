// Package webdav talks to public Nextcloud shares over WebDAV. Each share is
// addressed by its share id and protected by the share password.
package webdav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/retry"
	"github.com/dvloznov/receipt-ledger/internal/share"
)

const (
	sharePath      = "/public.php/dav/files/"
	shareUser      = "anonymous"
	maxErrorBody   = 1000
	methodPropfind = "PROPFIND"
)

// Config holds the connection settings.
type Config struct {
	RootURL    string // e.g. https://cloud.example.com/nextcloud
	Timeout    time.Duration
	Retries    int // additional attempts after the first
	RetryDelay time.Duration
}

// Client implements share.Share and share.TextStore.
type Client struct {
	root       string
	httpClient *http.Client
	retries    int
	retryDelay time.Duration
}

var (
	_ share.Share     = (*Client)(nil)
	_ share.TextStore = (*Client)(nil)
)

// NewClient creates a client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		root:       strings.TrimRight(cfg.RootURL, "/"),
		httpClient: httpClient,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
	}
}

// List returns the files of a folder share. Sub-folders are not included.
func (c *Client) List(ctx context.Context, ref share.Ref) ([]share.RemoteFile, error) {
	log := logger.FromContext(ctx)
	log.Debug().Str("share", ref.String()).Msg("Listing share")

	body, err := c.do(ctx, "list", ref, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, methodPropfind, c.shareURL(ref, ""), strings.NewReader(propfindBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Depth", "1")
		req.Header.Set("Content-Type", "application/xml; charset=utf-8")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	files, err := parseMultistatus(body)
	if err != nil {
		return nil, &share.TransportError{Op: "list", Ref: ref.String(), Err: err}
	}

	log.Info().Str("share", ref.String()).Int("files", len(files)).Msg("Listed share")
	return files, nil
}

// Fetch downloads one file of a folder share.
func (c *Client) Fetch(ctx context.Context, ref share.Ref, name string) ([]byte, error) {
	body, err := c.do(ctx, "fetch", ref, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.shareURL(ref, name), nil)
	})
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Info().
		Str("share", ref.String()).
		Str("file", name).
		Int("bytes", len(body)).
		Msg("Fetched file")
	return body, nil
}

// ReadText reads a single-file share.
func (c *Client) ReadText(ctx context.Context, ref share.Ref) (string, error) {
	body, err := c.do(ctx, "read", ref, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.shareURL(ref, ""), nil)
	})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// WriteText replaces the content of a single-file share.
func (c *Client) WriteText(ctx context.Context, ref share.Ref, text string) error {
	_, err := c.do(ctx, "write", ref, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.shareURL(ref, ""), bytes.NewBufferString(text))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "text/csv; charset=utf-8")
		return req, nil
	})
	return err
}

func (c *Client) shareURL(ref share.Ref, name string) string {
	u := c.root + sharePath + url.PathEscape(ref.ID)
	if name != "" {
		u += "/" + url.PathEscape(name)
	}
	return u
}

// do sends a request built by newReq, retrying network failures and 5xx
// responses. Other non-2xx statuses fail immediately.
func (c *Client) do(ctx context.Context, op string, ref share.Ref, newReq func() (*http.Request, error)) ([]byte, error) {
	var body []byte
	err := retry.Do(ctx, func() error {
		req, err := newReq()
		if err != nil {
			return retry.Permanent(&share.TransportError{Op: op, Ref: ref.String(), Err: err})
		}
		req.SetBasicAuth(shareUser, ref.Secret)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.Permanent(ctx.Err())
			}
			return &share.TransportError{Op: op, Ref: ref.String(), Err: err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &share.TransportError{Op: op, Ref: ref.String(), StatusCode: resp.StatusCode, Err: err}
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			terr := &share.TransportError{
				Op:         op,
				Ref:        ref.String(),
				StatusCode: resp.StatusCode,
				Err:        errors.New(truncate(string(data), maxErrorBody)),
			}
			if resp.StatusCode == http.StatusNotFound {
				terr.Err = fmt.Errorf("%w: %s", share.ErrNotFound, truncate(string(data), maxErrorBody))
			}
			if resp.StatusCode >= 500 {
				return terr
			}
			return retry.Permanent(terr)
		}

		body = data
		return nil
	}, retry.WithMaxAttempts(c.retries+1), retry.WithConstantDelay(c.retryDelay))
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("op", op).Str("share", ref.String()).Msg("WebDAV request failed")
		return nil, err
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
