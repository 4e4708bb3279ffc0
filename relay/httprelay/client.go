// Package httprelay implements relay.Channel over the relay's REST API with
// Ed25519-signed requests. Live delivery is emulated with a polling loop.
package httprelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"relaychat/crypto"
	"relaychat/protocol"
	"relaychat/relay"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollLimit    = 10
	incomingBufferSize  = 64
	maxErrorBodyPreview = 512
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Identity   crypto.Identity
	HTTPClient *http.Client
	// PollInterval enables live delivery on Incoming when positive.
	PollInterval time.Duration
	PollLimit    int
	Now          func() time.Time
}

// Client talks to one relay server.
type Client struct {
	baseURL  *url.URL
	identity crypto.Identity
	http     *http.Client
	interval time.Duration
	limit    int
	now      func() time.Time

	stateCh  chan relay.ConnectionState
	incoming chan protocol.Envelope

	mu        sync.Mutex
	state     relay.ConnectionState
	cancel    context.CancelFunc
	done      chan struct{}
	// delivered is cleared on ack only; envelopes left pending are not
	// pushed again this session and are picked up by FetchPending.
	delivered map[string]struct{}
}

var _ relay.Channel = (*Client)(nil)

type pendingResponse struct {
	Envelopes []json.RawMessage `json:"envelopes"`
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

type typingRequest struct {
	ThreadID string `json:"thread_id"`
	IsTyping bool   `json:"is_typing"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// StatusError is a non-2xx relay response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.StatusCode, e.Message)
}

// New validates options and returns a disconnected client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("relay base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported relay URL scheme %q", base.Scheme)
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("relay client identity: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	limit := opts.PollLimit
	if limit <= 0 {
		limit = defaultPollLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Client{
		baseURL:   base,
		identity:  opts.Identity,
		http:      httpClient,
		interval:  opts.PollInterval,
		limit:     limit,
		now:       now,
		stateCh:   make(chan relay.ConnectionState, 8),
		incoming:  make(chan protocol.Envelope, incomingBufferSize),
		state:     relay.StateDisconnected,
		delivered: make(map[string]struct{}),
	}, nil
}

func (c *Client) State() relay.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) StateChanges() <-chan relay.ConnectionState { return c.stateCh }

func (c *Client) Incoming() <-chan protocol.Envelope { return c.incoming }

func (c *Client) setState(state relay.ConnectionState) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	relay.PublishState(c.stateCh, state)
}

// Connect probes the relay health endpoint and starts the poll loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(relay.StateConnecting)
	if _, err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		c.setState(relay.StateDisconnected)
		return fmt.Errorf("connect relay %s: %w", c.baseURL, err)
	}
	c.setState(relay.StateConnected)

	if c.interval > 0 {
		loopCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		c.mu.Lock()
		c.cancel = cancel
		c.done = done
		c.mu.Unlock()
		go c.pollLoop(loopCtx, done)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"relay":    c.baseURL.String(),
		"polling":  c.interval > 0,
	}).Info("Connected to relay")
	return nil
}

// Disconnect stops the poll loop and waits for it to exit.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setState(relay.StateDisconnected)
	return nil
}

func (c *Client) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.interval
	retry.MaxInterval = 30 * time.Second
	retry.MaxElapsedTime = 0
	retry.Reset()

	wait := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		envelopes, err := c.FetchPending(ctx, 0, c.limit)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.setState(relay.StateReconnecting)
			wait = retry.NextBackOff()
			logrus.WithFields(logrus.Fields{
				"function": "pollLoop",
				"error":    err.Error(),
				"retry_in": wait.String(),
			}).Warn("Relay poll failed")
			continue
		}
		retry.Reset()
		c.setState(relay.StateConnected)
		wait = c.interval

		for _, env := range envelopes {
			if !c.markDelivered(env.ID) {
				continue
			}
			select {
			case c.incoming <- env:
			case <-ctx.Done():
				return
			}
		}
	}
}

// markDelivered reports whether id is new to the live stream.
func (c *Client) markDelivered(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.delivered[id]; ok {
		return false
	}
	c.delivered[id] = struct{}{}
	return true
}

func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/v1/envelopes", nil, body); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return fmt.Errorf("%w: %v", relay.ErrRejected, err)
		}
		return err
	}
	return nil
}

func (c *Client) FetchPending(ctx context.Context, since int64, limit int) ([]protocol.Envelope, error) {
	query := url.Values{}
	if since > 0 {
		query.Set("since", strconv.FormatInt(since, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.do(ctx, http.MethodGet, "/v1/envelopes/pending", query, nil)
	if err != nil {
		return nil, err
	}
	var resp pendingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode pending envelopes: %w", err)
	}

	// A structurally broken envelope must not block the rest of the mailbox.
	envelopes := make([]protocol.Envelope, 0, len(resp.Envelopes))
	for _, item := range resp.Envelopes {
		var env protocol.Envelope
		if err := json.Unmarshal(item, &env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "FetchPending",
				"error":    err.Error(),
			}).Debug("Skipping undecodable envelope")
			continue
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

func (c *Client) AcknowledgeMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.postJSON(ctx, "/v1/envelopes/ack", idsRequest{IDs: ids}); err != nil {
		return err
	}
	c.mu.Lock()
	for _, id := range ids {
		delete(c.delivered, id)
	}
	c.mu.Unlock()
	return nil
}

func (c *Client) SendTyping(ctx context.Context, threadID string, isTyping bool) error {
	if c.State() != relay.StateConnected {
		return relay.ErrNotConnected
	}
	return c.postJSON(ctx, "/v1/typing", typingRequest{ThreadID: threadID, IsTyping: isTyping})
}

func (c *Client) MarkMessagesRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return c.postJSON(ctx, "/v1/receipts/read", idsRequest{IDs: ids})
}

func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	info, err := c.ResolveHandleInfo(ctx, handle)
	if err != nil {
		return "", err
	}
	return info.PublicKey, nil
}

func (c *Client) ResolveHandleInfo(ctx context.Context, handle string) (relay.IdentityInfo, error) {
	return c.lookup(ctx, "/v1/handles", url.Values{"handle": {handle}})
}

func (c *Client) GetIdentity(ctx context.Context, publicKey string) (relay.IdentityInfo, error) {
	return c.lookup(ctx, "/v1/identities", url.Values{"public_key": {publicKey}})
}

func (c *Client) lookup(ctx context.Context, path string, query url.Values) (relay.IdentityInfo, error) {
	raw, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			return relay.IdentityInfo{}, fmt.Errorf("%w: %s", relay.ErrNotFound, query.Encode())
		}
		return relay.IdentityInfo{}, err
	}
	var info relay.IdentityInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return relay.IdentityInfo{}, fmt.Errorf("decode identity info: %w", err)
	}
	return info, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", path, err)
	}
	_, err = c.do(ctx, http.MethodPost, path, nil, body)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := *c.baseURL
	target.Path = c.baseURL.Path + path
	if query != nil {
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := signRequest(req, body, c.identity, c.now()); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) != nil || errResp.Error == "" {
			errResp.Error = string(respBody[:min(len(respBody), maxErrorBodyPreview)])
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return respBody, nil
}
