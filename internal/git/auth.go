package git

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthConfig selects one git authentication method for a repository. All
// fields reference local file paths so credentials can be mounted from
// secrets without ever appearing in the engine's configuration file.
type AuthConfig struct {
	// SSHKey configures SSH transport auth with a private key.
	SSHKey *SSHKeyAuth `json:"sshKey,omitempty"`

	// Token configures HTTPS transport auth with a bearer or personal
	// access token.
	Token *TokenAuth `json:"token,omitempty"`

	// GitHubApp authenticates as a GitHub App installation.
	GitHubApp *GitHubAppAuth `json:"githubApp,omitempty"`
}

// SSHKeyAuth holds SSH credential file paths.
type SSHKeyAuth struct {
	// PrivateKeyFile is a path to a PEM-encoded private key.
	PrivateKeyFile string `json:"privateKeyFile"`

	// KnownHostsFile pins remote host keys. When empty, host keys are not
	// verified.
	KnownHostsFile string `json:"knownHostsFile,omitempty"`
}

// TokenAuth holds an HTTPS token file path.
type TokenAuth struct {
	// TokenFile is a path to a file containing the token. Surrounding
	// whitespace is trimmed.
	TokenFile string `json:"tokenFile"`
}

// ResolveAuth reads credential files and builds a go-git transport.AuthMethod.
// Returns nil auth (valid for public repos) if no auth is configured.
func ResolveAuth(ctx context.Context, cfg *AuthConfig) (transport.AuthMethod, error) {
	if cfg == nil {
		return nil, nil
	}

	switch {
	case cfg.SSHKey != nil:
		return resolveSSHAuth(cfg.SSHKey)
	case cfg.Token != nil:
		return resolveTokenAuth(cfg.Token)
	case cfg.GitHubApp != nil:
		return resolveGitHubAppAuth(ctx, cfg.GitHubApp)
	default:
		return nil, nil
	}
}

func resolveSSHAuth(sshAuth *SSHKeyAuth) (transport.AuthMethod, error) {
	pemBytes, err := os.ReadFile(sshAuth.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading SSH private key %s: %w", sshAuth.PrivateKeyFile, err)
	}

	publicKey, err := gogitssh.NewPublicKeys("git", pemBytes, "")
	if err != nil {
		return nil, fmt.Errorf("parsing SSH private key: %w", err)
	}

	if sshAuth.KnownHostsFile != "" {
		hostKeyCallback, err := knownhosts.New(sshAuth.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("parsing known_hosts %s: %w", sshAuth.KnownHostsFile, err)
		}
		publicKey.HostKeyCallback = hostKeyCallback
	} else {
		publicKey.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return publicKey, nil
}

func resolveTokenAuth(tokenAuth *TokenAuth) (transport.AuthMethod, error) {
	token, err := os.ReadFile(tokenAuth.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("reading token file %s: %w", tokenAuth.TokenFile, err)
	}

	return &gogithttp.BasicAuth{
		Username: "x-access-token",
		Password: strings.TrimSpace(string(token)),
	}, nil
}

func resolveGitHubAppAuth(ctx context.Context, appAuth *GitHubAppAuth) (transport.AuthMethod, error) {
	pemBytes, err := os.ReadFile(appAuth.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading GitHub App private key %s: %w", appAuth.PrivateKeyFile, err)
	}

	result, err := ExchangeGitHubAppToken(ctx, pemBytes, appAuth.AppID, appAuth.InstallationID, appAuth.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("exchanging GitHub App token: %w", err)
	}

	return &gogithttp.BasicAuth{
		Username: "x-access-token",
		Password: result.Token,
	}, nil
}
