package auth

import (
	"testing"

	"github.com/valyala/fasthttp"
)

const testKey = "sk-test_1234567890abcdef"

func TestValidFormat(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{testKey, true},
		{"sk-abcdefg", true},               // exactly 10 chars
		{"sk-ab", false},                   // too short
		{"pk-test_1234567890", false},      // wrong prefix
		{"sk-has space in it", false},      // illegal char
		{"sk-", false},                     // empty body
		{"", false},
		{"sk-" + string(make([]byte, 300)), false}, // too long
	}
	for _, tc := range cases {
		if got := ValidFormat(tc.key); got != tc.want {
			t.Errorf("ValidFormat(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestMask(t *testing.T) {
	if got := Mask("sk-test_1234567890abcdef"); got != "sk-test...cdef" {
		t.Errorf("Mask = %q", got)
	}
	if got := Mask("short"); got != "***" {
		t.Errorf("short keys must be fully masked, got %q", got)
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		header, want string
	}{
		{"Bearer " + testKey, testKey},
		{"bearer " + testKey, testKey},
		{"BEARER " + testKey, testKey},
		{testKey, testKey},
		{"  Bearer  " + testKey + " ", testKey},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExtractToken(tc.header); got != tc.want {
			t.Errorf("ExtractToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestNewStore_ParsesEntries(t *testing.T) {
	s, rejected := NewStore([]string{
		testKey,
		"sk-second_key_0001:team-a",
		"sk-third_key_00001:team-b:120",
		"not-a-key",
		"",
	})
	if len(rejected) != 1 {
		t.Fatalf("rejected = %v", rejected)
	}

	info, ok := s.Lookup(testKey)
	if !ok || info.Name != Mask(testKey) {
		t.Errorf("bare key: %+v, %v", info, ok)
	}

	info, ok = s.Lookup("sk-second_key_0001")
	if !ok || info.Name != "team-a" || info.RPM != 0 {
		t.Errorf("named key: %+v, %v", info, ok)
	}

	info, ok = s.Lookup("sk-third_key_00001")
	if !ok || info.Name != "team-b" || info.RPM != 120 {
		t.Errorf("key with rpm: %+v, %v", info, ok)
	}
	if !info.Active || info.ID == "" || info.CreatedAt.IsZero() {
		t.Errorf("configured keys must come up active with identity: %+v", info)
	}
}

func TestStore_CreateMintsActiveKey(t *testing.T) {
	s, _ := NewStore(nil)

	info, err := s.Create("team-c", 90, map[string]string{"env": "staging"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !ValidFormat(info.Key) {
		t.Errorf("generated key fails format check: %q", info.Key)
	}
	if info.ID == "" || !info.Active || info.CreatedAt.IsZero() {
		t.Errorf("minted key identity incomplete: %+v", info)
	}

	got, ok := s.Lookup(info.Key)
	if !ok || got.Name != "team-c" || got.RPM != 90 || got.Metadata["env"] != "staging" {
		t.Errorf("Lookup after Create: %+v, %v", got, ok)
	}

	if _, err := s.Create("bad", -1, nil); err == nil {
		t.Error("negative rpm must be rejected")
	}
}

func TestStore_Deactivate(t *testing.T) {
	s, _ := NewStore([]string{testKey})

	if s.Deactivate("sk-no_such_key_00") {
		t.Error("unknown key must report false")
	}
	if !s.Deactivate(testKey) {
		t.Fatal("known key must deactivate")
	}

	info, ok := s.Lookup(testKey)
	if !ok {
		t.Fatal("deactivated key must stay resolvable")
	}
	if info.Active {
		t.Error("key still active after Deactivate")
	}
}

func TestStore_OpenMode(t *testing.T) {
	s, _ := NewStore(nil)
	if !s.Open() {
		t.Error("empty store must be open")
	}
	s.Replace([]string{testKey})
	if s.Open() {
		t.Error("store with keys must not be open")
	}
}

func newAuthCtx(method, path, authHeader string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if authHeader != "" {
		ctx.Request.Header.Set("Authorization", authHeader)
	}
	return &ctx
}

func TestMiddleware_ValidKeyPasses(t *testing.T) {
	s, _ := NewStore([]string{testKey + ":tester"})
	called := false
	h := Middleware(s, nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := newAuthCtx("POST", "/v1/chat/completions", "Bearer "+testKey)
	h(ctx)

	if !called {
		t.Fatal("handler not invoked")
	}
	if got := KeyFromCtx(ctx); got != testKey {
		t.Errorf("key in context = %q", got)
	}
	if name, _ := ctx.UserValue(CtxKeyKeyName).(string); name != "tester" {
		t.Errorf("key name = %q", name)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	s, _ := NewStore([]string{testKey})
	h := Middleware(s, nil)(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler must not run")
	})

	cases := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"malformed", "Bearer oops"},
		{"unknown", "Bearer sk-unknown_key_999"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := newAuthCtx("POST", "/v1/chat/completions", tc.header)
			h(ctx)
			if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
				t.Errorf("status = %d", ctx.Response.StatusCode())
			}
		})
	}
}

func TestMiddleware_DeactivatedKeyRejected(t *testing.T) {
	s, _ := NewStore([]string{testKey + ":tester"})
	s.Deactivate(testKey)

	h := Middleware(s, nil)(func(ctx *fasthttp.RequestCtx) {
		t.Error("handler must not run for a deactivated key")
	})
	ctx := newAuthCtx("POST", "/v1/chat/completions", "Bearer "+testKey)
	h(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusUnauthorized {
		t.Errorf("status = %d, want 401", ctx.Response.StatusCode())
	}
}

func TestMiddleware_BypassPaths(t *testing.T) {
	s, _ := NewStore([]string{testKey})
	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		called := false
		h := Middleware(s, nil)(func(ctx *fasthttp.RequestCtx) { called = true })
		h(newAuthCtx("GET", path, ""))
		if !called {
			t.Errorf("%s should bypass auth", path)
		}
	}
}

func TestMiddleware_OpenMode(t *testing.T) {
	s, _ := NewStore(nil)
	called := false
	h := Middleware(s, nil)(func(ctx *fasthttp.RequestCtx) { called = true })
	h(newAuthCtx("POST", "/v1/chat/completions", ""))
	if !called {
		t.Error("open mode must pass unauthenticated requests")
	}
}
