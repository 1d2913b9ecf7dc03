package chat

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chimebot/pkg/logx"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// newTestClient spins up a fake token endpoint plus chat API and returns a
// client pointed at them.
func newTestClient(t *testing.T, api http.HandlerFunc) (*Client, *int) {
	t.Helper()
	tokenCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		if r.Method != http.MethodPost {
			t.Errorf("token method = %s", r.Method)
		}
		body := make([]byte, 4096)
		n, _ := r.Body.Read(body)
		if !strings.Contains(string(body[:n]), "grant_type=urn:ietf:params:oauth:grant-type:jwt-bearer") {
			t.Errorf("token request missing jwt-bearer grant: %s", body[:n])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		api(w, r)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		CredentialsEmail: "bot@project.iam.gserviceaccount.com",
		PrivateKey:       testKeyPEM(t),
		TokenURL:         srv.URL + "/token",
		BaseURL:          srv.URL,
		SendRatePerSec:   100,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, &tokenCalls
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{PrivateKey: testKeyPEM(t)}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty credentials email")
	}
	if _, err := New(Config{CredentialsEmail: "x@y", PrivateKey: []byte("not a key")}, logx.Nop()); err == nil {
		t.Fatalf("expected error for garbage key")
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	c, tokenCalls := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/spaces/sp1/messages" {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		var payload struct {
			Text   string `json:"text"`
			Thread struct {
				Name string `json:"name"`
			} `json:"thread"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		if payload.Text != "hello" || payload.Thread.Name != "spaces/sp1/threads/t1" {
			t.Errorf("payload = %+v", payload)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "spaces/sp1/messages/m1"})
	})

	name, err := c.SendMessage(context.Background(), "hello", "spaces/sp1/threads/t1", "spaces/sp1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if name != "spaces/sp1/messages/m1" {
		t.Fatalf("message name = %q", name)
	}

	// Second call reuses the cached bearer token.
	if _, err := c.SendMessage(context.Background(), "hello", "spaces/sp1/threads/t1", "spaces/sp1"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if *tokenCalls != 1 {
		t.Fatalf("token exchanged %d times, want 1", *tokenCalls)
	}
}

func TestSendMessageHTTPError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "space not found", http.StatusNotFound)
	})

	if _, err := c.SendMessage(context.Background(), "x", "t", "spaces/gone"); err == nil {
		t.Fatalf("expected error on 404")
	}
}

func TestMessageText(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/spaces/sp1/messages/m1" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"argumentText": "done for today"})
	})

	text, err := c.MessageText(context.Background(), "spaces/sp1/messages/m1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if text != "done for today" {
		t.Fatalf("text = %q", text)
	}
}

func TestListSpacesAndMembers(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/spaces":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"spaces": []map[string]string{
					{"name": "spaces/sp1", "displayName": "Ops"},
				},
			})
		case "/v1/spaces/sp1/members":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"memberships": []map[string]any{
					{"member": map[string]string{
						"name": "users/alice", "displayName": "Alice", "email": "alice@x.test",
					}},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	spaces, err := c.ListSpaces(context.Background())
	if err != nil {
		t.Fatalf("list spaces: %v", err)
	}
	if len(spaces) != 1 || spaces[0].Name != "spaces/sp1" {
		t.Fatalf("spaces = %v", spaces)
	}

	members, err := c.ListMembers(context.Background(), "spaces/sp1")
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 || members[0].DisplayName != "Alice" {
		t.Fatalf("members = %v", members)
	}
}
