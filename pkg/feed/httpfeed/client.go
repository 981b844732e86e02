// Package httpfeed talks to a JSON feed API:
//
//	GET  {base}/me                              -> {"handle": "..."}
//	GET  {base}/mentions?since_id=N&count=M     -> {"messages": [...]} (ascending ids)
//	POST {base}/messages {"text", "in_reply_to_id"} -> {"id": N}
//
// Requests are paced with a token bucket and retried with exponential backoff on network
// errors, 429 and 5xx responses. Authentication failures are never retried.
package httpfeed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/go-go-golems/grotto/pkg/feed"
)

const (
	defaultPageSize   = 20
	defaultMaxPages   = 10
	defaultMaxElapsed = 2 * time.Minute
	defaultTimeout    = 30 * time.Second
)

type Config struct {
	BaseURL string
	Token   string
	// PageSize is the count requested per mentions page.
	PageSize int
	// MaxPages bounds how many pages one Poll follows.
	MaxPages int
	// MaxMessages stops paging once this many messages were collected; 0 means no cap.
	MaxMessages int
	// RequestsPerSecond paces all calls; 0 disables pacing.
	RequestsPerSecond float64
	Burst             int
	// MaxElapsed bounds the retries of a single call.
	MaxElapsed time.Duration
	HTTPClient *http.Client
}

type Client struct {
	base    *url.URL
	token   string
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

var _ feed.Transport = &Client{}
var _ feed.Identity = &Client{}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("httpfeed: empty base url")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "httpfeed: parse base url")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = defaultMaxElapsed
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Client{base: base, token: cfg.Token, cfg: cfg, http: hc, limiter: limiter}, nil
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("httpfeed: http %d: %s", e.Code, e.Body)
}

type meResponse struct {
	Handle string `json:"handle"`
}

type mentionsResponse struct {
	Messages []feed.Message `json:"messages"`
}

type postRequest struct {
	Text        string `json:"text"`
	InReplyToID int64  `json:"in_reply_to_id,omitempty"`
}

type postResponse struct {
	ID int64 `json:"id"`
}

// VerifyCredentials returns the handle the token belongs to.
func (c *Client) VerifyCredentials(ctx context.Context) (string, error) {
	var out meResponse
	if err := c.do(ctx, http.MethodGet, "/me", nil, nil, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Handle) == "" {
		return "", errors.Wrap(feed.ErrAuth, "httpfeed: empty handle")
	}
	return out.Handle, nil
}

func (c *Client) Poll(ctx context.Context, sinceID int64) ([]feed.Message, error) {
	out := []feed.Message{}
	cursor := sinceID
	for page := 0; page < c.cfg.MaxPages; page++ {
		q := url.Values{}
		q.Set("since_id", strconv.FormatInt(cursor, 10))
		q.Set("count", strconv.Itoa(c.cfg.PageSize))

		var resp mentionsResponse
		if err := c.do(ctx, http.MethodGet, "/mentions", q, nil, &resp); err != nil {
			return nil, err
		}
		for _, m := range resp.Messages {
			if m.ID <= cursor {
				continue
			}
			out = append(out, m)
			cursor = m.ID
		}
		if len(resp.Messages) < c.cfg.PageSize {
			break
		}
		if c.cfg.MaxMessages > 0 && len(out) >= c.cfg.MaxMessages {
			break
		}
	}
	return out, nil
}

func (c *Client) Post(ctx context.Context, text string, inReplyToID int64) (int64, error) {
	var resp postResponse
	if err := c.do(ctx, http.MethodPost, "/messages", nil, postRequest{Text: text, InReplyToID: inReplyToID}, &resp); err != nil {
		return 0, err
	}
	if resp.ID == 0 {
		return 0, errors.New("httpfeed: post returned no id")
	}
	return resp.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "httpfeed: marshal request")
		}
		payload = b
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = c.cfg.MaxElapsed

	op := func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		raw, err := c.roundTrip(ctx, method, u.String(), payload)
		if err != nil {
			return classify(err)
		}
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(errors.Wrap(err, "httpfeed: decode response"))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("method", method).Str("path", path).Dur("retry_in", wait).Msg("feed call failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
}

func (c *Client) roundTrip(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "httpfeed: read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return raw, nil
}

// classify marks errors that must not be retried.
func classify(err error) error {
	var se *statusError
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
		return backoff.Permanent(errors.Wrap(feed.ErrAuth, se.Error()))
	case se.Code == http.StatusTooManyRequests || se.Code >= 500:
		return se
	default:
		return backoff.Permanent(se)
	}
}
