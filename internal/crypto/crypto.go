// Package crypto implements the AES-128 and X.509 primitives the pairing
// handshake and control channel build on: ECB block crypto for the legacy
// challenge/response exchange, GCM for the control channel, SHA-256 keying,
// and self-signed certificate generation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"
)

const keySize = 16 // AES-128

// DeriveKey computes the pairing key SHA-256(salt || pin)[:16].
func DeriveKey(salt []byte, pin string) []byte {
	h := sha256.Sum256(append(append([]byte{}, salt...), []byte(pin)...))
	return h[:keySize]
}

// ecbEncrypter and ecbDecrypter implement cipher.BlockMode directly over a
// cipher.Block, since crypto/cipher deliberately exposes no ECB mode object.
type ecbEncrypter struct{ b cipher.Block }
type ecbDecrypter struct{ b cipher.Block }

func (x *ecbEncrypter) BlockSize() int { return x.b.BlockSize() }

func (x *ecbEncrypter) CryptBlocks(dst, src []byte) {
	if len(src)%x.b.BlockSize() != 0 {
		panic("crypto: input not full blocks")
	}
	for len(src) > 0 {
		x.b.Encrypt(dst, src)
		src = src[x.b.BlockSize():]
		dst = dst[x.b.BlockSize():]
	}
}

func (x *ecbDecrypter) BlockSize() int { return x.b.BlockSize() }

func (x *ecbDecrypter) CryptBlocks(dst, src []byte) {
	if len(src)%x.b.BlockSize() != 0 {
		panic("crypto: input not full blocks")
	}
	for len(src) > 0 {
		x.b.Decrypt(dst, src)
		src = src[x.b.BlockSize():]
		dst = dst[x.b.BlockSize():]
	}
}

// ECBEncrypt encrypts plaintext under key using AES in ECB mode. plaintext
// is zero-padded up to a multiple of the block size.
func ECBEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	padded := padZero(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	(&ecbEncrypter{block}).CryptBlocks(out, padded)
	return out, nil
}

// ECBDecrypt decrypts ciphertext under key using AES in ECB mode.
// ciphertext must be a multiple of the AES block size.
func ECBDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a multiple of block size %d", len(ciphertext), block.BlockSize())
	}
	out := make([]byte, len(ciphertext))
	(&ecbDecrypter{block}).CryptBlocks(out, ciphertext)
	return out, nil
}

func padZero(b []byte, blockSize int) []byte {
	if len(b)%blockSize == 0 {
		return b
	}
	padded := make([]byte, len(b)+(blockSize-len(b)%blockSize))
	copy(padded, b)
	return padded
}

// ChallengeResponse computes AES-ECB-encrypt(key, SHA-256(certSig ||
// challenge || serverSecret))[:16], the step-2 response of the pairing
// handshake.
func ChallengeResponse(key, certSig, challenge, serverSecret []byte) ([]byte, error) {
	h := sha256.New()
	h.Write(certSig)
	h.Write(challenge)
	h.Write(serverSecret)
	digest := h.Sum(nil)

	enc, err := ECBEncrypt(key, digest)
	if err != nil {
		return nil, err
	}
	return enc[:keySize], nil
}

// VerifySecretHash reports whether SHA-256(serverChallenge ||
// decryptedSecret)[:16] matches clientHash, the step-5 pairing
// verification; the hash is truncated to 16 bytes to match the wire size
// of the client hash carried alongside the challenge response in step 3.
// Comparison is constant-time since this gates authentication.
func VerifySecretHash(serverChallenge, decryptedSecret, clientHash []byte) bool {
	h := sha256.New()
	h.Write(serverChallenge)
	h.Write(decryptedSecret)
	digest := h.Sum(nil)[:keySize]
	return subtle.ConstantTimeCompare(digest, clientHash) == 1
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("rand.Read: %w", err)
	}
	return b, nil
}

// GCMEncrypt seals plaintext under key with the caller-supplied 12-byte
// nonce. No nonce is generated here and none is prepended to the returned
// ciphertext.
func GCMEncrypt(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce length %d, want %d", len(nonce), gcm.NonceSize())
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// GCMDecrypt opens ciphertext under key and nonce, returning an error if
// authentication fails.
func GCMDecrypt(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher.NewGCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("gcm open: %w", err)
	}
	return plaintext, nil
}

// CertificatePair is a generated or loaded self-signed server identity.
type CertificatePair struct {
	Certificate *x509.Certificate
	PEM         []byte // certificate, PEM-encoded
	PrivateKey  *rsa.PrivateKey
}

// GenerateSelfSigned creates a fresh RSA-2048 self-signed certificate, the
// identity the pairing handshake and REST mTLS front end both use.
func GenerateSelfSigned() (*CertificatePair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("rsa.GenerateKey: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("rand.Int: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "moonshine"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(20, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("x509.CreateCertificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	return &CertificatePair{Certificate: cert, PEM: certPEM, PrivateKey: key}, nil
}

// LoadOrGenerate loads a certificate/key pair from certPath/keyPath,
// generating and persisting a fresh self-signed pair if either is absent,
// matching "TLS material ... if absent at startup, a self-signed pair is
// generated and written".
func LoadOrGenerate(certPath, keyPath string) (tls.Certificate, error) {
	if _, certErr := os.Stat(certPath); certErr == nil {
		if _, keyErr := os.Stat(keyPath); keyErr == nil {
			cert, err := tls.LoadX509KeyPair(certPath, keyPath)
			if err != nil {
				return tls.Certificate{}, fmt.Errorf("load TLS pair %s/%s: %w", certPath, keyPath, err)
			}
			return cert, nil
		}
	}

	pair, err := GenerateSelfSigned()
	if err != nil {
		return tls.Certificate{}, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(pair.PrivateKey),
	})

	if err := os.WriteFile(certPath, pair.PEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("write cert %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key %s: %w", keyPath, err)
	}

	cert, err := tls.X509KeyPair(pair.PEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("build tls.Certificate: %w", err)
	}
	return cert, nil
}

// ParseCertificatePEM parses a PEM-encoded X.509 certificate, as received
// hex-decoded over the wire during pairing's getservercert step.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate data")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("x509.ParseCertificate: %w", err)
	}
	return cert, nil
}
