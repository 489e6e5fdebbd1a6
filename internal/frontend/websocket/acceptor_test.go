package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/parley/internal/auth"
	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chatserver"
	"github.com/cory-johannsen/parley/internal/config"
	"github.com/cory-johannsen/parley/internal/session"
	"github.com/cory-johannsen/parley/internal/storage/memory"
	"github.com/cory-johannsen/parley/internal/testutil"
)

const wait = 2 * time.Second

type fixture struct {
	url      string
	store    *memory.Store
	registry *session.Registry
	tokens   *auth.JWT
	acceptor *Acceptor
}

func testConfig() config.WebSocketConfig {
	return config.WebSocketConfig{
		Host:           "127.0.0.1",
		Path:           "/ws",
		PongWait:       5 * time.Second,
		PingPeriod:     time.Second,
		WriteTimeout:   time.Second,
		MaxMessageSize: 4096,
		SendBuffer:     64,
	}
}

func newFixture(t *testing.T, cfg config.WebSocketConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	tokens := auth.New(config.AuthConfig{
		Secret:   "0123456789abcdef0123",
		Issuer:   "parley-test",
		TokenTTL: time.Hour,
	})
	registry := session.NewRegistry(tokens, cfg.SendBuffer, logger)
	presence := session.NewPresence(registry, logger)
	svc := chatserver.NewService(store, tokens, registry, presence, chatserver.ServiceConfig{}, logger)
	require.NoError(t, svc.Start(context.Background()))

	acc := NewAcceptor(cfg, svc, logger)
	srv := httptest.NewServer(acc.Handler())
	t.Cleanup(func() {
		acc.Stop()
		srv.Close()
	})
	return &fixture{
		url:      testutil.WSURL(srv.URL, cfg.Path),
		store:    store,
		registry: registry,
		tokens:   tokens,
		acceptor: acc,
	}
}

func (f *fixture) token(t *testing.T, name string) string {
	t.Helper()
	u, err := f.store.CreateUser(name, name)
	require.NoError(t, err)
	tok, err := f.tokens.Issue(u)
	require.NoError(t, err)
	return tok
}

func TestAcceptor_RoundTrip(t *testing.T) {
	f := newFixture(t, testConfig())
	c := testutil.DialWS(t, f.url, f.token(t, "alice"), nil)

	ack := c.Request(chatserver.EventCreateServer, map[string]any{"serverName": "Guild"}, wait)
	require.True(t, ack.OK, "create failed: %+v", ack.Error)
	var swc chat.ServerWithChannels
	require.NoError(t, json.Unmarshal(ack.Data, &swc))
	require.NotEmpty(t, swc.Channels)

	ack = c.Request(chatserver.EventSetActiveServer, map[string]any{"newServer": swc.Server.ID}, wait)
	require.True(t, ack.OK)

	ack = c.Request(chatserver.EventMessage, map[string]any{
		"text":      "hello",
		"channelId": swc.Channels[0].ID,
		"serverId":  swc.Server.ID,
	}, wait)
	require.True(t, ack.OK, "send failed: %+v", ack.Error)

	evt := c.WaitEvent(chatserver.EventMessage, wait)
	var packet chat.MessagePacket
	require.NoError(t, json.Unmarshal(evt.Data, &packet))
	assert.Equal(t, "hello", packet.Content)
	assert.Equal(t, swc.Server.ID, packet.ServerID)
}

func TestAcceptor_QueryToken(t *testing.T) {
	f := newFixture(t, testConfig())
	tok := f.token(t, "alice")
	c := testutil.DialWS(t, f.url+"?token="+tok, "", nil)

	ack := c.Request(chatserver.EventGetStartupData, nil, wait)
	assert.True(t, ack.OK)
}

func TestAcceptor_UnauthenticatedIsGated(t *testing.T) {
	f := newFixture(t, testConfig())
	c := testutil.DialWS(t, f.url, "", nil)

	ack := c.Request(chatserver.EventGetStartupData, nil, wait)
	require.False(t, ack.OK)
	require.NotNil(t, ack.Error)
	assert.Equal(t, string(chat.CodeAuthenticationRequired), ack.Error.Code)
}

func TestAcceptor_MalformedFrameCloses(t *testing.T) {
	f := newFixture(t, testConfig())
	c := testutil.DialWS(t, f.url, "", nil)

	c.SendRaw([]byte("{not json"))
	assert.Equal(t, gws.CloseInvalidFramePayloadData, c.ExpectClose(wait))
	require.Eventually(t, func() bool { return f.registry.Count() == 0 }, wait, 10*time.Millisecond)
}

func TestAcceptor_OversizeFrameCloses(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessageSize = 64
	f := newFixture(t, cfg)
	c := testutil.DialWS(t, f.url, "", nil)

	big := make([]byte, 512)
	for i := range big {
		big[i] = 'x'
	}
	c.SendRaw(big)
	assert.Equal(t, gws.CloseMessageTooBig, c.ExpectClose(wait))
}

func TestAcceptor_ClientCloseRemovesSession(t *testing.T) {
	f := newFixture(t, testConfig())
	c := testutil.DialWS(t, f.url, f.token(t, "alice"), nil)
	require.Eventually(t, func() bool { return f.registry.Count() == 1 }, wait, 10*time.Millisecond)

	c.Close()
	require.Eventually(t, func() bool { return f.registry.Count() == 0 }, wait, 10*time.Millisecond)
}

func TestAcceptor_RejectsDisallowedOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://chat.example.com"}
	f := newFixture(t, cfg)

	_, err := testutil.TryDialWS(f.url, "", http.Header{"Origin": {"https://evil.example.com"}})
	require.ErrorIs(t, err, gws.ErrBadHandshake)

	c := testutil.DialWS(t, f.url, "", http.Header{"Origin": {"https://CHAT.example.com"}})
	c.Close()
}

func TestAcceptor_RateLimitDropsFrames(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = config.RateLimitConfig{Burst: 2, Refill: time.Hour}
	f := newFixture(t, cfg)
	c := testutil.DialWS(t, f.url, "", nil)

	for range 3 {
		c.Send(chatserver.EventGetStartupData, nil)
	}
	first := c.ReadFrame(wait)
	second := c.ReadFrame(wait)
	assert.Equal(t, []string{"1", "2"}, []string{first.ID, second.ID})

	_, err := c.TryReadFrame(200 * time.Millisecond)
	assert.Error(t, err, "third frame should have been dropped")
}

func TestAcceptor_StopClosesConnections(t *testing.T) {
	f := newFixture(t, testConfig())
	c := testutil.DialWS(t, f.url, "", nil)
	require.Eventually(t, func() bool { return f.registry.Count() == 1 }, wait, 10*time.Millisecond)

	f.acceptor.Stop()
	assert.Equal(t, gws.CloseGoingAway, c.ExpectClose(wait))
	assert.Zero(t, f.registry.Count())
}

func TestAcceptor_ListenAndServe(t *testing.T) {
	logger := zaptest.NewLogger(t)
	acc := NewAcceptor(testConfig(), nopHandler{}, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- acc.ListenAndServe() }()
	require.Eventually(t, func() bool { return acc.IsRunning() && acc.Addr() != "" }, wait, 10*time.Millisecond)

	acc.Stop()
	assert.False(t, acc.IsRunning())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("ListenAndServe did not return after Stop")
	}
}

type nopHandler struct{}

func (nopHandler) Connect(context.Context, string) (*session.Session, error) { return nil, nil }
func (nopHandler) Handle(context.Context, *session.Session, []byte) error { return nil }
func (nopHandler) Disconnect(context.Context, *session.Session) {}

func TestRateLimiter_Refills(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(2, time.Second, func() time.Time { return now })

	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(time.Second)
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())

	now = now.Add(time.Hour)
	assert.True(t, rl.allow())
	assert.True(t, rl.allow())
	assert.False(t, rl.allow())
}

func TestRateLimiter_DisabledAllowsAll(t *testing.T) {
	rl := newRateLimiter(0, time.Second, nil)
	for range 100 {
		require.True(t, rl.allow())
	}
}

func TestOriginPolicy(t *testing.T) {
	logger := zaptest.NewLogger(t)
	req := func(host, origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://"+host+"/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	cases := map[string]struct {
		allowed []string
		req     *http.Request
		want    bool
	}{
		"no origin header":           {nil, req("chat.local", ""), true},
		"same host by default":       {nil, req("chat.local:8080", "http://chat.local:8080"), true},
		"other host by default":      {nil, req("chat.local:8080", "http://evil.local"), false},
		"wildcard":                   {[]string{"*"}, req("chat.local", "http://anything.test"), true},
		"listed origin ignores case": {[]string{"https://App.Example.com"}, req("api.local", "https://app.example.com"), true},
		"unlisted origin":            {[]string{"https://app.example.com"}, req("api.local", "https://other.example.com"), false},
		"malformed origin":           {[]string{"*.example.com"}, req("api.local", "not a url"), false},
		"listed replaces same host":  {[]string{"https://app.example.com"}, req("api.local", "http://api.local"), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p := newOriginPolicy(tc.allowed, logger)
			assert.Equal(t, tc.want, p.check(tc.req))
		})
	}
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=fromquery", nil)
	assert.Equal(t, "fromquery", bearerToken(r))

	r.Header.Set("Authorization", "Bearer fromheader")
	assert.Equal(t, "fromheader", bearerToken(r))

	r.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "fromquery", bearerToken(r))
}
