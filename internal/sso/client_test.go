package sso

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/courseauth/internal/model"
)

// newTestClient はhttptestサーバーに向けたClientを生成する。
func newTestClient(t *testing.T, handler http.Handler, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("URLのパースに失敗: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("ホストの分割に失敗: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	return NewClient(Config{
		Host:        host,
		Port:        port,
		Scheme:      "http",
		BasePath:    "/sso",
		ServiceName: "course",
		Timeout:     timeout,
	}, nil, nil)
}

// fakeSSOServer はチケットを1件だけ発行するSSOサーバー。
func fakeSSOServer(t *testing.T, authCheck string, attrs url.Values) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sso/createrequest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm error: %v", err)
		}
		if got := r.PostForm.Get("service_name"); got != "course" {
			t.Errorf("service_name = %q, want %q", got, "course")
		}
		if got := r.PostForm.Get("attributes"); got != "unique_id,email,display_name" {
			t.Errorf("attributes = %q", got)
		}
		if got := r.PostForm.Get("redirect_url"); got != "https://app.example.com/auth/sso/callback" {
			t.Errorf("redirect_url = %q", got)
		}
		w.Write([]byte("key=req-key-1"))
	})
	mux.HandleFunc("/sso/fetchattributes", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("key") != "req-key-1" {
			w.Write([]byte("error=unknown+key"))
			return
		}
		values := url.Values{"auth_check": {authCheck}}
		for k, v := range attrs {
			values[k] = v
		}
		w.Write([]byte(values.Encode()))
	})
	return mux
}

func TestClient_FullFlow(t *testing.T) {
	attrs := url.Values{
		AttrUniqueID:    {"s1234567"},
		AttrEmail:       {"student@univ.example"},
		AttrDisplayName: {"学生 太郎"},
	}
	c := newTestClient(t, fakeSSOServer(t, "check-abc", attrs), time.Second)
	ctx := context.Background()

	key, err := c.CreateRequest(ctx, c.ServiceName(), DefaultAttributes, "https://app.example.com/auth/sso/callback")
	if err != nil {
		t.Fatalf("CreateRequest error: %v", err)
	}
	if key != "req-key-1" {
		t.Errorf("key = %q, want %q", key, "req-key-1")
	}

	redirect, err := c.RequestAuthRedirectURL(key)
	if err != nil {
		t.Fatalf("RequestAuthRedirectURL error: %v", err)
	}
	u, _ := url.Parse(redirect)
	if u.Path != "/sso/requestauth" || u.Query().Get("key") != "req-key-1" {
		t.Errorf("redirect URL = %q", redirect)
	}

	got, err := c.FetchAttributes(ctx, key, "check-abc")
	if err != nil {
		t.Fatalf("FetchAttributes error: %v", err)
	}
	if got.UniqueID() != "s1234567" || got.Email() != "student@univ.example" || got.DisplayName() != "学生 太郎" {
		t.Errorf("attributes = %v", got)
	}
	if _, ok := got["auth_check"]; ok {
		t.Error("auth_check should not be exposed as an attribute")
	}
}

func TestClient_FetchAttributes_TamperedAuthCheck(t *testing.T) {
	attrs := url.Values{AttrUniqueID: {"s1"}}
	c := newTestClient(t, fakeSSOServer(t, "check-abc", attrs), time.Second)

	_, err := c.FetchAttributes(context.Background(), "req-key-1", "check-xyz")
	if !errors.Is(err, model.ErrInvalidTicket) {
		t.Fatalf("error = %v, want ErrInvalidTicket", err)
	}
}

func TestClient_FetchAttributes_UnknownKey(t *testing.T) {
	c := newTestClient(t, fakeSSOServer(t, "check-abc", url.Values{AttrUniqueID: {"s1"}}), time.Second)

	_, err := c.FetchAttributes(context.Background(), "other-key", "check-abc")
	if !errors.Is(err, model.ErrInvalidTicket) {
		t.Fatalf("error = %v, want ErrInvalidTicket", err)
	}
	var ticketErr *model.InvalidTicketError
	if !errors.As(err, &ticketErr) || ticketErr.Reason != "unknown key" {
		t.Errorf("reason should come from the server: %v", err)
	}
}

func TestClient_FetchAttributes_MissingParameters(t *testing.T) {
	c := newTestClient(t, http.NotFoundHandler(), time.Second)

	for _, tc := range []struct{ key, check string }{{"", "c"}, {"k", ""}} {
		_, err := c.FetchAttributes(context.Background(), tc.key, tc.check)
		if !errors.Is(err, model.ErrInvalidTicket) {
			t.Errorf("FetchAttributes(%q, %q) error = %v, want ErrInvalidTicket", tc.key, tc.check, err)
		}
	}
}

func TestClient_FetchAttributes_ServerError(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusGone)
	})
	c := newTestClient(t, handler, time.Second)

	_, err := c.FetchAttributes(context.Background(), "k", "c")
	if !errors.Is(err, model.ErrInvalidTicket) {
		t.Fatalf("error = %v, want ErrInvalidTicket", err)
	}
	if !strings.Contains(err.Error(), "410") {
		t.Errorf("error should include the status: %v", err)
	}
}

func TestClient_FetchAttributes_Timeout(t *testing.T) {
	release := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	c := newTestClient(t, handler, 50*time.Millisecond)
	defer close(release)

	start := time.Now()
	_, err := c.FetchAttributes(context.Background(), "k", "c")
	if !errors.Is(err, model.ErrInvalidTicket) {
		t.Fatalf("error = %v, want ErrInvalidTicket", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout was not applied: %v", elapsed)
	}
}

func TestClient_CreateRequest_NoKey(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("status=ok"))
	})
	c := newTestClient(t, handler, time.Second)

	_, err := c.CreateRequest(context.Background(), "course", DefaultAttributes, "https://app.example.com/cb")
	if !errors.Is(err, model.ErrInvalidTicket) {
		t.Errorf("error = %v, want ErrInvalidTicket", err)
	}
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Config{}, nil, nil)
	if c.IsConfigured() {
		t.Error("IsConfigured should be false")
	}

	_, err := c.CreateRequest(context.Background(), "course", nil, "")
	var cfgErr *model.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Setting != "SSO_HOST" {
		t.Errorf("CreateRequest error = %v, want ConfigurationError(SSO_HOST)", err)
	}

	_, err = c.CreateRequest(context.Background(), "", nil, "")
	if !errors.As(err, &cfgErr) || cfgErr.Setting != "SSO_SERVICE_NAME" {
		t.Errorf("CreateRequest error = %v, want ConfigurationError(SSO_SERVICE_NAME)", err)
	}

	if _, err := c.RequestAuthRedirectURL("k"); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("RequestAuthRedirectURL error = %v, want ErrConfiguration", err)
	}
	if _, err := c.FetchAttributes(context.Background(), "k", "c"); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("FetchAttributes error = %v, want ErrConfiguration", err)
	}
}

func TestClient_LogoutURL(t *testing.T) {
	c := NewClient(Config{Host: "sso.univ.example", BasePath: "idp"}, nil, nil)

	got, err := c.LogoutURL("https://app.example.com/")
	if err != nil {
		t.Fatalf("LogoutURL error: %v", err)
	}
	want := "https://sso.univ.example/idp/logout?return_to=https%3A%2F%2Fapp.example.com%2F"
	if got != want {
		t.Errorf("LogoutURL = %q, want %q", got, want)
	}

	withPort := NewClient(Config{Host: "sso.univ.example", Port: 8443}, nil, nil)
	got, _ = withPort.LogoutURL("")
	if got != "https://sso.univ.example:8443/logout" {
		t.Errorf("LogoutURL = %q", got)
	}
}
