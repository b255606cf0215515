package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidator_Validate(t *testing.T) {
	tokenToNode := map[string]string{
		"secret-token-1": "1337",
		"secret-token-2": "canary-frankfurt-01",
	}
	v := NewValidator(tokenToNode)

	tests := []struct {
		name   string
		token  string
		wantID string
	}{
		{"valid token 1", "secret-token-1", "1337"},
		{"valid token 2", "secret-token-2", "canary-frankfurt-01"},
		{"empty token", "", ""},
		{"unknown token", "wrong-token", ""},
		{"substring token", "secret-token-1x", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.token)
			if got != tt.wantID {
				t.Errorf("Validate(%q) = %q, want %q", tt.token, got, tt.wantID)
			}
		})
	}
}

func TestValidator_Update(t *testing.T) {
	v := NewValidator(map[string]string{"old": "node-a"})
	if v.Validate("old") != "node-a" {
		t.Fatal("initial token should work")
	}

	v.Update(map[string]string{"new": "node-b"})
	if v.Validate("old") != "" {
		t.Error("old token should be invalid after Update")
	}
	if v.Validate("new") != "node-b" {
		t.Error("new token should work after Update")
	}
}

func TestValidator_Enabled(t *testing.T) {
	var nilV *Validator
	if nilV.Enabled() {
		t.Error("nil validator should be disabled")
	}
	v := NewValidator(nil)
	if v.Enabled() {
		t.Error("validator without tokens should be disabled")
	}
	v.Update(map[string]string{"t": "n"})
	if !v.Enabled() {
		t.Error("validator with tokens should be enabled")
	}
}

func request(hdr map[string]string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/webhook", nil)
	for k, val := range hdr {
		r.Header.Set(k, val)
	}
	return r
}

func TestValidator_Authenticate(t *testing.T) {
	v := NewValidator(map[string]string{"test-token": "1337"})

	tests := []struct {
		name   string
		hdr    map[string]string
		wantID string
		wantOK bool
	}{
		{"no header", nil, "", false},
		{"unknown token", map[string]string{"Authorization": "Bearer nope"}, "", false},
		{"basic scheme", map[string]string{"Authorization": "Basic dGVzdA=="}, "", false},
		{"short header", map[string]string{"Authorization": "Bear"}, "", false},
		{"bearer", map[string]string{"Authorization": "Bearer test-token"}, "1337", true},
		{"lowercase scheme", map[string]string{"Authorization": "bearer test-token"}, "1337", true},
		{"padded token", map[string]string{"Authorization": "Bearer  test-token "}, "1337", true},
		{"node header agrees", map[string]string{"Authorization": "Bearer test-token", NodeHeader: "1337"}, "1337", true},
		{"node header disagrees", map[string]string{"Authorization": "Bearer test-token", NodeHeader: "other"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := v.Authenticate(request(tt.hdr))
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("Authenticate() = %q, %v, want %q, %v", id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestValidator_AuthenticateOpenWebhook(t *testing.T) {
	var nilV *Validator
	for _, v := range []*Validator{nilV, NewValidator(nil)} {
		id, ok := v.Authenticate(request(map[string]string{NodeHeader: "anything"}))
		if id != Anonymous || !ok {
			t.Errorf("Authenticate() = %q, %v, want anonymous access", id, ok)
		}
	}
}

func TestStamp(t *testing.T) {
	tests := []struct {
		name          string
		authenticated string
		payload       string
		want          string
		wantOK        bool
	}{
		{"anonymous keeps payload", Anonymous, "42", "42", true},
		{"anonymous without payload", Anonymous, "", "", true},
		{"payload omitted", "1337", "", "1337", true},
		{"payload agrees", "1337", "1337", "1337", true},
		{"payload names another node", "1337", "42", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Stamp(tt.authenticated, tt.payload)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Stamp(%q, %q) = %q, %v, want %q, %v", tt.authenticated, tt.payload, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
