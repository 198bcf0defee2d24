package apierr

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestRetryable(t *testing.T) {
	retryable := []int{429, 500, 502, 503, 504}
	for _, s := range retryable {
		if !Retryable(s) {
			t.Errorf("status %d should be retryable", s)
		}
	}
	for _, s := range []int{200, 400, 401, 403, 404, 422, 501} {
		if Retryable(s) {
			t.Errorf("status %d must not be retryable", s)
		}
	}
}

func TestNormalize_AlreadyNormalized(t *testing.T) {
	body := []byte(`{"error":{"message":"too fast","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
	status, env := Normalize(429, body)

	if status != 429 {
		t.Errorf("status = %d", status)
	}
	if env.Error.Message != "too fast" || env.Error.Code != CodeRateLimitExceeded {
		t.Errorf("envelope mangled: %+v", env)
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	status1, env1 := Normalize(503, []byte(`{"message":"upstream down"}`))
	out, _ := json.Marshal(env1)
	status2, env2 := Normalize(status1, out)

	if status1 != status2 || env1 != env2 {
		t.Errorf("normalize not idempotent: (%d, %+v) vs (%d, %+v)",
			status1, env1, status2, env2)
	}
}

func TestNormalize_BareObject(t *testing.T) {
	status, env := Normalize(500, []byte(`{"message":"boom","code":"internal_error"}`))
	if status != 500 {
		t.Errorf("status = %d", status)
	}
	if env.Error.Message != "boom" || env.Error.Code != "internal_error" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Error.Type != TypeProviderError {
		t.Errorf("type should be derived from status, got %q", env.Error.Type)
	}
}

func TestNormalize_OpaqueBody(t *testing.T) {
	status, env := Normalize(502, []byte("<html>Bad Gateway</html>"))
	if status != 502 {
		t.Errorf("status = %d", status)
	}
	if env.Error.Message != "<html>Bad Gateway</html>" {
		t.Errorf("message = %q", env.Error.Message)
	}
	if env.Error.Code != CodeProviderError {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestNormalize_EmptyBody(t *testing.T) {
	_, env := Normalize(504, nil)
	if env.Error.Message == "" {
		t.Error("message must be filled from the status text")
	}
	if env.Error.Code != CodeRequestTimeout {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestNormalize_StatusDerivedFromCode(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{CodeRateLimitExceeded, 429},
		{CodeInvalidAPIKey, 401},
		{CodeModelNotFound, 404},
		{CodeRequestTimeout, 504},
		{CodeCircuitOpen, 503},
		{"mystery_code", 502},
	}
	for _, tc := range cases {
		body := []byte(`{"error":{"message":"x","code":"` + tc.code + `"}}`)
		status, _ := Normalize(0, body)
		if status != tc.want {
			t.Errorf("code %s → status %d, want %d", tc.code, status, tc.want)
		}
	}
}

func TestStatusForCode(t *testing.T) {
	cases := []struct {
		code string
		want int
	}{
		{CodeRateLimitExceeded, 429},
		{"rate_limit", 429},
		{CodeInvalidAPIKey, 401},
		{"auth_failed", 401},
		{"permission_denied", 403},
		{CodeInvalidRequest, 400},
		{CodeModelNotFound, 404},
		{"not_found", 404},
		{CodeRequestTimeout, 504},
		{"timeout", 504},
		{CodeInternalError, 500},
		{"server_error", 500},
		{CodeNotImplemented, 501},
		{CodeCircuitOpen, 503},
		{CodeOverloaded, 503},
		{"something_else", 502},
	}
	for _, tc := range cases {
		if got := StatusForCode(tc.code); got != tc.want {
			t.Errorf("StatusForCode(%q) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestEnvelope_ParamAlwaysPresent(t *testing.T) {
	var ctx fasthttp.RequestCtx
	Write(&ctx, 400, "bad request", TypeInvalidRequest, CodeInvalidRequest)

	var raw map[string]map[string]json.RawMessage
	if err := json.Unmarshal(ctx.Response.Body(), &raw); err != nil {
		t.Fatalf("body not valid JSON: %v", err)
	}
	p, ok := raw["error"]["param"]
	if !ok {
		t.Fatal("envelope must carry the param field")
	}
	if string(p) != "null" {
		t.Errorf("param should be null when unset, got %s", p)
	}
}

func TestNormalize_TruncatesLongBodies(t *testing.T) {
	long := make([]byte, 4096)
	for i := range long {
		long[i] = 'x'
	}
	_, env := Normalize(500, long)
	if len(env.Error.Message) > 512 {
		t.Errorf("message not truncated: %d bytes", len(env.Error.Message))
	}
}

func TestNormalizeErr(t *testing.T) {
	se := &StatusError{Status: 429, Envelope: Envelope{Error: APIError{
		Message: "slow down", Type: TypeRateLimitError, Code: CodeRateLimitExceeded,
	}}}
	status, env := NormalizeErr(se)
	if status != 429 || env.Error.Message != "slow down" {
		t.Errorf("StatusError not passed through: %d %+v", status, env)
	}

	status, env = NormalizeErr(errors.New("dial tcp: connection refused"))
	if status != 502 || env.Error.Type != TypeProviderError {
		t.Errorf("plain error: %d %+v", status, env)
	}
}

func TestWriteProviderError(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteProviderError(&ctx, 429, []byte(`{"error":{"message":"q","type":"rate_limit_error","code":"rate_limit_exceeded"}}`))

	if ctx.Response.StatusCode() != 429 {
		t.Errorf("status = %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q", got)
	}

	var ctx2 fasthttp.RequestCtx
	WriteProviderError(&ctx2, 503, []byte(`upstream exploded`))
	if ctx2.Response.StatusCode() != 502 {
		t.Errorf("5xx should surface as 502, got %d", ctx2.Response.StatusCode())
	}
	var env Envelope
	if err := json.Unmarshal(ctx2.Response.Body(), &env); err != nil {
		t.Fatalf("body not valid envelope: %v", err)
	}
	if env.Error.Message != "upstream exploded" {
		t.Errorf("message = %q", env.Error.Message)
	}
}
