package checkout

import (
	"context"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/upkeep-run/upkeep/pkg/errors"
)

// resolveAuth builds a transport auth method from the step's auth
// input. Credentials are read from the step environment, never from
// the job file, so definitions stay free of secrets.
//
// Exactly one method may be configured:
//   - token_env: HTTPS basic auth with a token from the named variable
//   - ssh_key_env / ssh_key_file: SSH key auth
//   - oauth2: client credentials grant; the access token becomes the
//     HTTPS password
func resolveAuth(ctx context.Context, raw interface{}, env map[string]string) (transport.AuthMethod, error) {
	if raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "auth",
			Message:    "auth must be a map",
			Suggestion: "Example: auth: {token_env: GIT_TOKEN}",
		}
	}

	tokenEnv, _ := m["token_env"].(string)
	sshKeyEnv, _ := m["ssh_key_env"].(string)
	sshKeyFile, _ := m["ssh_key_file"].(string)
	oauthRaw := m["oauth2"]

	configured := 0
	for _, set := range []bool{tokenEnv != "", sshKeyEnv != "" || sshKeyFile != "", oauthRaw != nil} {
		if set {
			configured++
		}
	}
	if configured == 0 {
		return nil, &errors.ValidationError{
			Field:      "auth",
			Message:    "auth is set but configures no method",
			Suggestion: "Set token_env, ssh_key_env, ssh_key_file, or oauth2",
		}
	}
	if configured > 1 {
		return nil, &errors.ValidationError{
			Field:      "auth",
			Message:    "auth configures more than one method",
			Suggestion: "Set exactly one of token_env, ssh_key_env/ssh_key_file, or oauth2",
		}
	}

	switch {
	case tokenEnv != "":
		token, ok := env[tokenEnv]
		if !ok || token == "" {
			return nil, fmt.Errorf("auth variable %s is not set", tokenEnv)
		}
		username := "git"
		if v, ok := m["username"].(string); ok && v != "" {
			username = v
		}
		return &githttp.BasicAuth{Username: username, Password: token}, nil

	case sshKeyEnv != "" || sshKeyFile != "":
		return resolveSSHAuth(m, env, sshKeyEnv, sshKeyFile)

	default:
		return resolveOAuth2(ctx, oauthRaw, env)
	}
}

func resolveSSHAuth(m map[string]interface{}, env map[string]string, keyEnv, keyFile string) (transport.AuthMethod, error) {
	var pem []byte
	switch {
	case keyEnv != "":
		v, ok := env[keyEnv]
		if !ok || v == "" {
			return nil, fmt.Errorf("auth variable %s is not set", keyEnv)
		}
		pem = []byte(v)
	default:
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ssh key: %w", err)
		}
		pem = data
	}

	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key: %w", err)
	}

	user := "git"
	if v, ok := m["ssh_user"].(string); ok && v != "" {
		user = v
	}

	auth := &gitssh.PublicKeys{User: user, Signer: signer}
	if strict, ok := m["ssh_strict"].(bool); ok && !strict {
		auth.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return auth, nil
}

// resolveOAuth2 runs the client credentials grant and uses the access
// token as the HTTPS password.
func resolveOAuth2(ctx context.Context, raw interface{}, env map[string]string) (transport.AuthMethod, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "auth.oauth2",
			Message:    "oauth2 must be a map",
			Suggestion: "Example: oauth2: {token_url: ..., client_id_env: ..., client_secret_env: ...}",
		}
	}

	tokenURL, _ := m["token_url"].(string)
	if tokenURL == "" {
		return nil, &errors.ValidationError{
			Field:   "auth.oauth2.token_url",
			Message: "token_url is required",
		}
	}

	clientID, err := requiredEnv(m, env, "client_id_env")
	if err != nil {
		return nil, err
	}
	clientSecret, err := requiredEnv(m, env, "client_secret_env")
	if err != nil {
		return nil, err
	}

	var scopes []string
	if raw, ok := m["scopes"].([]interface{}); ok {
		for _, s := range raw {
			if v, ok := s.(string); ok {
				scopes = append(scopes, v)
			}
		}
	}

	cfg := &clientcredentials.Config{
		TokenURL:     tokenURL,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       scopes,
	}
	token, err := cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain oauth2 token: %w", err)
	}
	return &githttp.BasicAuth{Username: "oauth2", Password: token.AccessToken}, nil
}

func requiredEnv(m map[string]interface{}, env map[string]string, field string) (string, error) {
	name, _ := m[field].(string)
	if name == "" {
		return "", &errors.ValidationError{
			Field:   "auth.oauth2." + field,
			Message: field + " is required",
		}
	}
	v, ok := env[name]
	if !ok || v == "" {
		return "", fmt.Errorf("auth variable %s is not set", name)
	}
	return v, nil
}
