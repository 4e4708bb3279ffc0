package httprelay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/crypto"
	"relaychat/models"
	"relaychat/protocol"
	"relaychat/relay"
)

// fakeRelay is a single-mailbox relay server that authenticates every call.
type fakeRelay struct {
	t *testing.T

	mu         sync.Mutex
	mailbox    []json.RawMessage
	mailboxIDs []string
	sent       []protocol.Envelope
	acked      []string
	readIDs    []string
	typing     []typingRequest
	identities map[string]relay.IdentityInfo
	callers    map[string]int
	failSends  int
}

func newFakeRelay(t *testing.T) (*fakeRelay, *httptest.Server) {
	f := &fakeRelay{t: t, identities: map[string]relay.IdentityInfo{}, callers: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", f.auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	mux.HandleFunc("POST /v1/envelopes", f.auth(f.handleSend))
	mux.HandleFunc("GET /v1/envelopes/pending", f.auth(f.handlePending))
	mux.HandleFunc("POST /v1/envelopes/ack", f.auth(f.handleAck))
	mux.HandleFunc("POST /v1/receipts/read", f.auth(func(w http.ResponseWriter, r *http.Request) {
		var req idsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.readIDs = append(f.readIDs, req.IDs...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("POST /v1/typing", f.auth(func(w http.ResponseWriter, r *http.Request) {
		var req typingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.typing = append(f.typing, req)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.HandleFunc("GET /v1/handles", f.auth(func(w http.ResponseWriter, r *http.Request) {
		f.lookup(w, func(info relay.IdentityInfo) bool { return info.Handle == r.URL.Query().Get("handle") })
	}))
	mux.HandleFunc("GET /v1/identities", f.auth(func(w http.ResponseWriter, r *http.Request) {
		f.lookup(w, func(info relay.IdentityInfo) bool { return info.PublicKey == r.URL.Query().Get("public_key") })
	}))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return f, server
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeRelay) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := VerifyRequest(r, time.Now())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error()})
			return
		}
		f.mu.Lock()
		f.callers[caller]++
		f.mu.Unlock()
		next(w, r)
	}
}

func (f *fakeRelay) handleSend(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSends > 0 {
		f.failSends--
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "overloaded"})
		return
	}
	var env protocol.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := protocol.VerifyEnvelope(env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	f.sent = append(f.sent, env)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": env.ID})
}

func (f *fakeRelay) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.mailbox
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"envelopes": items})
}

func (f *fakeRelay) handleAck(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, req.IDs...)
	drop := map[string]bool{}
	for _, id := range req.IDs {
		drop[id] = true
	}
	var keptRaw []json.RawMessage
	var keptIDs []string
	for i, id := range f.mailboxIDs {
		if !drop[id] {
			keptRaw = append(keptRaw, f.mailbox[i])
			keptIDs = append(keptIDs, id)
		}
	}
	f.mailbox, f.mailboxIDs = keptRaw, keptIDs
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRelay) lookup(w http.ResponseWriter, match func(relay.IdentityInfo) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, info := range f.identities {
		if match(info) {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

// locked runs fn under the relay mutex so tests observe handler writes safely.
func (f *fakeRelay) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeRelay) deposit(t *testing.T, env protocol.Envelope) {
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailbox = append(f.mailbox, raw)
	f.mailboxIDs = append(f.mailboxIDs, env.ID)
}

func newClientPair(t *testing.T, url string, poll time.Duration) (*Client, crypto.Identity, crypto.Identity) {
	t.Helper()
	self, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	peer, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	client, err := New(Options{BaseURL: url, Identity: self, PollInterval: poll})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect() })
	return client, self, peer
}

func envelopeTo(t *testing.T, from, to crypto.Identity) protocol.Envelope {
	t.Helper()
	env, err := protocol.BuildDirectEnvelope(models.TextPayload{Text: "over http"}, from, to.PublicKeyString(), to.EncryptionKey.PublicKey(), "", "")
	require.NoError(t, err)
	return env
}

func TestNewValidatesOptions(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	_, err = New(Options{Identity: id})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "ftp://relay", Identity: id})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "http://relay"})
	assert.Error(t, err)
}

func TestClientConnectSendAndFetch(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeRelay(t)
	client, self, peer := newClientPair(t, server.URL, 0)

	require.NoError(t, client.Connect(ctx))
	assert.Equal(t, relay.StateConnected, client.State())

	out := envelopeTo(t, self, peer)
	require.NoError(t, client.Send(ctx, out))
	fake.locked(func() {
		require.Len(t, fake.sent, 1)
		assert.Equal(t, out.ID, fake.sent[0].ID)
	})

	in := envelopeTo(t, peer, self)
	fake.deposit(t, in)
	pending, err := client.FetchPending(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, in.ID, pending[0].ID)
	require.NoError(t, protocol.VerifyEnvelope(pending[0]))

	require.NoError(t, client.AcknowledgeMessages(ctx, []string{in.ID}))
	fake.locked(func() {
		assert.Equal(t, []string{in.ID}, fake.acked)
		assert.Empty(t, fake.mailbox)
		assert.Equal(t, 4, fake.callers[self.PublicKeyString()])
	})
}

func TestClientSendErrors(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeRelay(t)
	client, self, peer := newClientPair(t, server.URL, 0)

	fake.locked(func() { fake.failSends = 1 })
	err := client.Send(ctx, envelopeTo(t, self, peer))
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "overloaded", statusErr.Message)

	forged := envelopeTo(t, self, peer)
	forged.Signature[0] ^= 0x01
	err = client.Send(ctx, forged)
	assert.ErrorIs(t, err, relay.ErrRejected)
}

func TestClientSignalsAndLookups(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeRelay(t)
	client, _, peer := newClientPair(t, server.URL, 0)

	fake.locked(func() {
		fake.identities[peer.PublicKeyString()] = relay.IdentityInfo{
			PublicKey:     peer.PublicKeyString(),
			Handle:        "bob",
			EncryptionKey: peer.EncryptionPublicKeyString(),
		}
	})

	assert.ErrorIs(t, client.SendTyping(ctx, "t1", true), relay.ErrNotConnected)
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.SendTyping(ctx, "t1", true))
	require.NoError(t, client.MarkMessagesRead(ctx, []string{"m1", "m2"}))
	fake.locked(func() {
		assert.Equal(t, []typingRequest{{ThreadID: "t1", IsTyping: true}}, fake.typing)
		assert.Equal(t, []string{"m1", "m2"}, fake.readIDs)
	})

	key, err := client.ResolveHandle(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, peer.PublicKeyString(), key)

	info, err := client.GetIdentity(ctx, peer.PublicKeyString())
	require.NoError(t, err)
	assert.Equal(t, peer.EncryptionPublicKeyString(), info.EncryptionKey)

	_, err = client.ResolveHandleInfo(ctx, "nobody")
	assert.ErrorIs(t, err, relay.ErrNotFound)
}

func TestClientPollDeliversOnce(t *testing.T) {
	ctx := context.Background()
	fake, server := newFakeRelay(t)
	client, self, peer := newClientPair(t, server.URL, 10*time.Millisecond)

	in := envelopeTo(t, peer, self)
	fake.deposit(t, in)
	require.NoError(t, client.Connect(ctx))

	select {
	case got := <-client.Incoming():
		assert.Equal(t, in.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for polled envelope")
	}

	// Unacknowledged envelopes are not pushed twice.
	select {
	case dup := <-client.Incoming():
		t.Fatalf("unexpected duplicate delivery of %s", dup.ID)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, client.Disconnect())
	assert.Equal(t, relay.StateDisconnected, client.State())
}

func TestClientConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "down"})
	}))
	t.Cleanup(server.Close)

	client, _, _ := newClientPair(t, server.URL, 0)
	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, relay.StateDisconnected, client.State())
}

func TestVerifyRequestToleratesClockSkew(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	body := []byte(`{"ids":["a"]}`)
	verifierNow := time.Now()
	for _, skew := range []time.Duration{-5 * time.Second, time.Millisecond, 5 * time.Second} {
		req := httptest.NewRequest(http.MethodPost, "/v1/envelopes/ack", bytes.NewReader(body))
		require.NoError(t, signRequest(req, body, id, verifierNow.Add(skew)))
		caller, err := VerifyRequest(req, verifierNow)
		require.NoError(t, err, "skew %s", skew)
		assert.Equal(t, id.PublicKeyString(), caller)
	}
}

func TestVerifyRequestRejectsUnsigned(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	_, err := VerifyRequest(req, time.Now())
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestVerifyRequestRejectsStaleAndTampered(t *testing.T) {
	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	body := []byte(`{"ids":["a"]}`)
	stale := httptest.NewRequest(http.MethodPost, "/v1/envelopes/ack", nil)
	require.NoError(t, signRequest(stale, body, id, time.Now().Add(-time.Minute)))
	_, err = VerifyRequest(stale, time.Now())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	tampered := httptest.NewRequest(http.MethodPost, "/v1/envelopes/ack", strings.NewReader(`{"ids":["b"]}`))
	require.NoError(t, signRequest(tampered, body, id, time.Now()))
	_, err = VerifyRequest(tampered, time.Now())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	future := httptest.NewRequest(http.MethodPost, "/v1/envelopes/ack", bytes.NewReader(body))
	require.NoError(t, signRequest(future, body, id, time.Now().Add(time.Minute)))
	_, err = VerifyRequest(future, time.Now())
	assert.ErrorIs(t, err, ErrUnauthenticated)

	valid := httptest.NewRequest(http.MethodPost, "/v1/envelopes/ack", bytes.NewReader(body))
	require.NoError(t, signRequest(valid, body, id, time.Now()))
	caller, err := VerifyRequest(valid, time.Now())
	require.NoError(t, err)
	assert.Equal(t, id.PublicKeyString(), caller)
}
