package gogit

import (
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/jmgilman/go/errors"
)

// SSHKeyFile reads a PEM-encoded private key for SSH remotes. password
// decrypts an encrypted key and is ignored otherwise.
//
//	auth, err := gogit.SSHKeyFile("git", "/etc/repocache/id_ed25519", "")
//	backend := gogit.New(gogit.WithAuth(auth))
func SSHKeyFile(user, keyPath, password string) (transport.AuthMethod, error) {
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to read SSH key file", map[string]interface{}{
			"path": keyPath,
		})
	}

	keys, err := ssh.NewPublicKeys(user, pemBytes, password)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeInvalidConfig, "failed to parse SSH key", map[string]interface{}{
			"path": keyPath,
		})
	}
	return keys, nil
}

// BasicAuth creates HTTP basic authentication, typically a username and an
// access token.
func BasicAuth(username, password string) transport.AuthMethod {
	return &http.BasicAuth{
		Username: username,
		Password: password,
	}
}
