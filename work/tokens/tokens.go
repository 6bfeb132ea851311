// Package tokens seals upstream segment URLs into opaque, authenticated
// tokens that clients carry back on /live/segment. A token leaving the relay
// must not reveal the provider origin, and a token coming back must not be
// forgeable or malleable, so the codec is AES-256-GCM over a derived key.
package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"iptv-relay/work/metrics"
)

var (
	// ErrInvalidToken is returned for tokens that fail decoding or
	// authentication. Callers get no more detail than this; a forger does
	// not deserve an oracle.
	ErrInvalidToken = errors.New("invalid token")
)

// kdf parameters. The salt is a domain separator, not a secret; the master
// key itself is random.
const (
	kdfSalt       = "relay-segment-tokens-v1"
	kdfIterations = 4096
	keySize       = 32
)

// Payload is the sealed content of a segment token: the upstream target,
// the headers the upstream expects, and the pre-verified-origin flag.
// In the split form the base token carries everything but the per-segment
// target, which travels in a smaller data token.
type Payload struct {
	UserID  int64             `json:"u,omitempty"`
	Share   string            `json:"t,omitempty"`
	Href    string            `json:"h,omitempty"`
	Headers map[string]string `json:"hd,omitempty"`
	Skip    bool              `json:"s,omitempty"`
}

// Codec seals and opens segment tokens.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives an AES-256 key from the master secret and builds the
// GCM codec.
func NewCodec(master []byte) (*Codec, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master key")
	}

	key := pbkdf2.Key(master, []byte(kdfSalt), kdfIterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// LoadMasterKey returns the configured master key, or loads (generating on
// first run) a persistent random key from dataDir. The hex form in config
// wins when present so multi-process deployments can share one key.
func LoadMasterKey(configured string, dataDir string) ([]byte, error) {
	if configured != "" {
		key, err := hex.DecodeString(configured)
		if err != nil {
			return nil, fmt.Errorf("encryptionKey is not valid hex: %w", err)
		}
		if len(key) < 16 {
			return nil, fmt.Errorf("encryptionKey too short: %d bytes", len(key))
		}
		return key, nil
	}

	path := filepath.Join(dataDir, "token.key")
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("corrupt key file %s: %w", path, err)
		}
		return key, nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("failed to persist key file: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext into base64url(nonce || ciphertext || tag).
func (c *Codec) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// open reverses seal. All failure modes collapse into ErrInvalidToken.
func (c *Codec) open(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		// Tolerate padded tokens from older clients.
		raw, err = base64.URLEncoding.DecodeString(token)
		if err != nil {
			metrics.TokenDecodeFailures.Inc()
			return nil, ErrInvalidToken
		}
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		metrics.TokenDecodeFailures.Inc()
		return nil, ErrInvalidToken
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		metrics.TokenDecodeFailures.Inc()
		return nil, ErrInvalidToken
	}
	return plaintext, nil
}

// EncodeString seals a bare string. Used for the split base/data token form
// where the two halves of a URL travel as separate tokens.
func (c *Codec) EncodeString(s string) (string, error) {
	return c.seal([]byte(s))
}

// DecodeString opens a bare string token.
func (c *Codec) DecodeString(token string) (string, error) {
	plaintext, err := c.open(token)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncodePayload seals a full segment payload (legacy single-token form).
func (c *Codec) EncodePayload(p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return c.seal(data)
}

// DecodePayload opens a legacy single-token payload.
func (c *Codec) DecodePayload(token string) (Payload, error) {
	plaintext, err := c.open(token)
	if err != nil {
		return Payload{}, err
	}
	var p Payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		metrics.TokenDecodeFailures.Inc()
		return Payload{}, ErrInvalidToken
	}
	return p, nil
}

// DecodeData opens a data token standing alone, without a base half. Older
// playlists sealed the whole payload into the data slot; newer ones seal a
// bare target string there. Both are accepted: JSON opens as a payload,
// anything else is taken as the target URL itself.
func (c *Codec) DecodeData(token string) (Payload, error) {
	plaintext, err := c.open(token)
	if err != nil {
		return Payload{}, err
	}

	if len(plaintext) > 0 && plaintext[0] == '{' {
		var p Payload
		if err := json.Unmarshal(plaintext, &p); err == nil {
			return p, nil
		}
	}

	target, err := url.Parse(string(plaintext))
	if err != nil || !target.IsAbs() {
		return Payload{}, ErrInvalidToken
	}
	return Payload{Href: target.String()}, nil
}

// Merge opens a split base/data token pair into one logical payload. The
// base token carries the shared playlist state (headers, flags, optionally
// the playlist URL); the data token carries the per-segment target, usually
// absolute already, otherwise resolved against the base URL.
func (c *Codec) Merge(baseToken, dataToken string) (Payload, error) {
	base, err := c.DecodePayload(baseToken)
	if err != nil {
		return Payload{}, err
	}
	dataStr, err := c.DecodeString(dataToken)
	if err != nil {
		return Payload{}, err
	}

	target, err := url.Parse(dataStr)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	if !target.IsAbs() {
		baseURL, err := url.Parse(base.Href)
		if err != nil || !baseURL.IsAbs() {
			return Payload{}, ErrInvalidToken
		}
		target = baseURL.ResolveReference(target)
	}

	base.Href = target.String()
	return base, nil
}
