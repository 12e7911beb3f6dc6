package mitm

import (
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"fmt"
	"sync"
)

//go:embed assets/leaf_key.der
var leafKeyDER []byte

var (
	leafKeyOnce sync.Once
	leafKey     *rsa.PrivateKey
	leafKeyErr  error
)

// sharedLeafKey parses the embedded RSA private key exactly once and
// returns the same *rsa.PrivateKey on every call. Every minted leaf
// certificate uses this one key — the acceptor map only ever varies
// the subject and serial, never the keypair — matching
// original_source/src/acceptor.rs's reused-key mint.
func sharedLeafKey() (*rsa.PrivateKey, error) {
	leafKeyOnce.Do(func() {
		key, err := x509.ParsePKCS8PrivateKey(leafKeyDER)
		if err != nil {
			leafKeyErr = fmt.Errorf("mitm: parse embedded leaf key: %w", err)
			return
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			leafKeyErr = fmt.Errorf("mitm: embedded leaf key is %T, want *rsa.PrivateKey", key)
			return
		}
		leafKey = rsaKey
	})
	return leafKey, leafKeyErr
}
