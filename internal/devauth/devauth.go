package devauth

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log"

	"github.com/technosupport/ts-snaptunnel/internal/registry"
)

const nonceBytes = 24

// Authenticator runs the device challenge/response. Certificates always come
// fresh from the registry; see registry.Cache for why they bypass caching.
type Authenticator struct {
	certs registry.Store
}

func New(certs registry.Store) *Authenticator {
	return &Authenticator{certs: certs}
}

// NewNonce mints the per-session challenge: 24 crypto-random bytes, base64.
func (a *Authenticator) NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Verify checks an RSA-PKCS1-v1.5/SHA-256 signature over the exact string
// "<deviceID>.<nonce>". Any failure - registry error, missing certificate,
// malformed PEM or base64, signature mismatch - returns false. It never
// returns an error: the caller's only decision is pass or fail.
func (a *Authenticator) Verify(ctx context.Context, deviceID, nonce, sigB64 string) bool {
	if deviceID == "" || nonce == "" || sigB64 == "" {
		return false
	}

	cert, err := a.certs.LookupCertificate(ctx, deviceID)
	if err != nil {
		log.Printf("[DevAuth] certificate lookup %s: %v", deviceID, err)
		return false
	}

	pub, err := parsePublicKey([]byte(cert.PEM))
	if err != nil {
		log.Printf("[DevAuth] certificate parse %s: %v", deviceID, err)
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}

	digest := sha256.Sum256([]byte(deviceID + "." + nonce))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
}

// parsePublicKey accepts either an X.509 certificate or a bare public key
// PEM block, since the fleet has been provisioned with both over time.
func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block")
	}

	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("certificate key is not RSA")
		}
		return pub, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
