package checkout

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
)

func testKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("MarshalPrivateKey failed: %v", err)
	}
	return pem.EncodeToMemory(block)
}

func TestResolveAuth_None(t *testing.T) {
	auth, err := resolveAuth(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}
	if auth != nil {
		t.Errorf("Expected nil auth, got %v", auth)
	}
}

func TestResolveAuth_Token(t *testing.T) {
	auth, err := resolveAuth(context.Background(),
		map[string]interface{}{"token_env": "GIT_TOKEN"},
		map[string]string{"GIT_TOKEN": "s3cret"})
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}

	basic, ok := auth.(*githttp.BasicAuth)
	if !ok {
		t.Fatalf("Expected BasicAuth, got %T", auth)
	}
	if basic.Username != "git" || basic.Password != "s3cret" {
		t.Errorf("Unexpected credentials %s:%s", basic.Username, basic.Password)
	}
}

func TestResolveAuth_TokenCustomUsername(t *testing.T) {
	auth, err := resolveAuth(context.Background(),
		map[string]interface{}{"token_env": "GIT_TOKEN", "username": "x-access-token"},
		map[string]string{"GIT_TOKEN": "tok"})
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}
	if basic := auth.(*githttp.BasicAuth); basic.Username != "x-access-token" {
		t.Errorf("Expected custom username, got %q", basic.Username)
	}
}

func TestResolveAuth_TokenEnvMissing(t *testing.T) {
	_, err := resolveAuth(context.Background(),
		map[string]interface{}{"token_env": "GIT_TOKEN"},
		map[string]string{})
	if err == nil {
		t.Fatal("Expected error for unset variable")
	}
	if !strings.Contains(err.Error(), "GIT_TOKEN") {
		t.Errorf("Expected variable name in error, got %q", err.Error())
	}
}

func TestResolveAuth_SSHKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, testKeyPEM(t), 0o600); err != nil {
		t.Fatal(err)
	}

	auth, err := resolveAuth(context.Background(),
		map[string]interface{}{"ssh_key_file": keyPath},
		nil)
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}

	keys, ok := auth.(*gitssh.PublicKeys)
	if !ok {
		t.Fatalf("Expected PublicKeys, got %T", auth)
	}
	if keys.User != "git" {
		t.Errorf("Expected user git, got %q", keys.User)
	}
	if keys.Signer == nil {
		t.Error("Expected parsed signer")
	}
}

func TestResolveAuth_SSHKeyEnv(t *testing.T) {
	auth, err := resolveAuth(context.Background(),
		map[string]interface{}{"ssh_key_env": "DEPLOY_KEY", "ssh_user": "deploy"},
		map[string]string{"DEPLOY_KEY": string(testKeyPEM(t))})
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}
	if keys := auth.(*gitssh.PublicKeys); keys.User != "deploy" {
		t.Errorf("Expected user deploy, got %q", keys.User)
	}
}

func TestResolveAuth_SSHStrictOff(t *testing.T) {
	auth, err := resolveAuth(context.Background(),
		map[string]interface{}{"ssh_key_env": "DEPLOY_KEY", "ssh_strict": false},
		map[string]string{"DEPLOY_KEY": string(testKeyPEM(t))})
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}
	if keys := auth.(*gitssh.PublicKeys); keys.HostKeyCallback == nil {
		t.Error("Expected host key callback override")
	}
}

func TestResolveAuth_SSHKeyInvalid(t *testing.T) {
	_, err := resolveAuth(context.Background(),
		map[string]interface{}{"ssh_key_env": "DEPLOY_KEY"},
		map[string]string{"DEPLOY_KEY": "not a key"})
	if err == nil {
		t.Error("Expected error for unparseable key")
	}
}

func TestResolveAuth_OAuth2(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok-123","token_type":"bearer"}`)
	}))
	defer srv.Close()

	auth, err := resolveAuth(context.Background(),
		map[string]interface{}{
			"oauth2": map[string]interface{}{
				"token_url":         srv.URL,
				"client_id_env":     "OAUTH_ID",
				"client_secret_env": "OAUTH_SECRET",
				"scopes":            []interface{}{"repo:read"},
			},
		},
		map[string]string{"OAUTH_ID": "client", "OAUTH_SECRET": "shh"})
	if err != nil {
		t.Fatalf("resolveAuth failed: %v", err)
	}

	basic, ok := auth.(*githttp.BasicAuth)
	if !ok {
		t.Fatalf("Expected BasicAuth, got %T", auth)
	}
	if basic.Username != "oauth2" || basic.Password != "tok-123" {
		t.Errorf("Unexpected credentials %s:%s", basic.Username, basic.Password)
	}
}

func TestResolveAuth_OAuth2MissingTokenURL(t *testing.T) {
	_, err := resolveAuth(context.Background(),
		map[string]interface{}{"oauth2": map[string]interface{}{
			"client_id_env":     "OAUTH_ID",
			"client_secret_env": "OAUTH_SECRET",
		}},
		map[string]string{"OAUTH_ID": "client", "OAUTH_SECRET": "shh"})
	if err == nil {
		t.Error("Expected error for missing token_url")
	}
}

func TestResolveAuth_MultipleMethods(t *testing.T) {
	_, err := resolveAuth(context.Background(),
		map[string]interface{}{
			"token_env":   "GIT_TOKEN",
			"ssh_key_env": "DEPLOY_KEY",
		},
		map[string]string{"GIT_TOKEN": "tok", "DEPLOY_KEY": "key"})
	if err == nil {
		t.Error("Expected error for conflicting auth methods")
	}
}

func TestResolveAuth_EmptyMap(t *testing.T) {
	_, err := resolveAuth(context.Background(), map[string]interface{}{}, nil)
	if err == nil {
		t.Error("Expected error for auth with no method")
	}
}
