// Package cryptobox holds the per-device key material for one logical database
// and implements the primitive operations every other layer builds on:
// authenticated encryption of JSON payloads, deterministic blind-index token
// generation for encrypted substring search, and ECDSA signing for device
// identity and role grants.
//
// An Engine is immutable after construction; concurrent use is safe.
//
// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCrypto is the sentinel for every cryptographic failure: missing key
// material, authentication failure on decrypt, malformed envelopes. Match
// with errors.Is.
var ErrCrypto = errors.New("crypto failure")

const (
	dekSize      = 32 // AES-256
	indexKeySize = 32 // HMAC-SHA-256
	nonceSize    = 12
)

// SecretBundle is the per-device, per-database key material. It is exclusively
// owned by the device and never transmitted, except for the DEK/index-key
// subset carried inside an explicit connection bundle.
//
// Asymmetric keys are stored DER-encoded (SEC1 for private, PKIX for public)
// so the bundle round-trips through JSON; encoding/json base64s the byte
// slices.
type SecretBundle struct {
	DEKRaw      []byte `json:"dek_raw"`
	IndexKeyRaw []byte `json:"index_key_raw"`
	DevicePriv  []byte `json:"device_priv"`
	DevicePub   []byte `json:"device_pub"`
	DSKPub      []byte `json:"dsk_pub,omitempty"`
	DSKPriv     []byte `json:"dsk_priv,omitempty"`
}

// Envelope is one authenticated-encryption result. IV is the GCM nonce,
// CT the ciphertext with the auth tag appended.
type Envelope struct {
	IV []byte `json:"iv"`
	CT []byte `json:"ct"`
}

// Engine performs all cryptographic operations for a single (database, device)
// pair. The DSK private key is only present on the creator device.
type Engine struct {
	dbID     string
	deviceID string

	aead       cipher.AEAD
	indexKey   []byte
	devicePriv *ecdsa.PrivateKey
	devicePub  *ecdsa.PublicKey
	dskPriv    *ecdsa.PrivateKey
	dskPub     *ecdsa.PublicKey

	devicePubDER []byte
	dskPubDER    []byte
}

// GenerateSecrets creates fresh key material for a device joining or creating
// a database. The database signing keypair is only generated for the creator.
func GenerateSecrets(isCreator bool) (*SecretBundle, error) {
	dek := make([]byte, dekSize)
	if _, err := rand.Read(dek); err != nil {
		return nil, fmt.Errorf("generate DEK: %w", err)
	}
	indexKey := make([]byte, indexKeySize)
	if _, err := rand.Read(indexKey); err != nil {
		return nil, fmt.Errorf("generate index key: %w", err)
	}

	_, devPrivDER, devPubDER, err := generateSigningKey()
	if err != nil {
		return nil, fmt.Errorf("generate device keypair: %w", err)
	}

	b := &SecretBundle{
		DEKRaw:      dek,
		IndexKeyRaw: indexKey,
		DevicePriv:  devPrivDER,
		DevicePub:   devPubDER,
	}

	if isCreator {
		_, dskPrivDER, dskPubDER, err := generateSigningKey()
		if err != nil {
			return nil, fmt.Errorf("generate DSK keypair: %w", err)
		}
		b.DSKPriv = dskPrivDER
		b.DSKPub = dskPubDER
	}

	return b, nil
}

func generateSigningKey() (*ecdsa.PrivateKey, []byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, nil, err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, nil, err
	}
	return priv, privDER, pubDER, nil
}

// NewEngine imports a secret bundle and returns a ready engine. This is the
// one-time "ready" point: a returned engine has all keys loaded.
func NewEngine(dbID, deviceID string, bundle *SecretBundle) (*Engine, error) {
	if bundle == nil {
		return nil, fmt.Errorf("%w: secret bundle not provided", ErrCrypto)
	}
	if len(bundle.DEKRaw) != dekSize {
		return nil, fmt.Errorf("%w: DEK must be %d bytes, got %d", ErrCrypto, dekSize, len(bundle.DEKRaw))
	}
	if len(bundle.IndexKeyRaw) == 0 {
		return nil, fmt.Errorf("%w: index key not provided", ErrCrypto)
	}

	block, err := aes.NewCipher(bundle.DEKRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: import DEK: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: init AEAD: %v", ErrCrypto, err)
	}

	e := &Engine{
		dbID:     dbID,
		deviceID: deviceID,
		aead:     aead,
		indexKey: bundle.IndexKeyRaw,
	}

	if len(bundle.DevicePriv) > 0 {
		priv, err := x509.ParseECPrivateKey(bundle.DevicePriv)
		if err != nil {
			return nil, fmt.Errorf("%w: import device private key: %v", ErrCrypto, err)
		}
		e.devicePriv = priv
		e.devicePub = &priv.PublicKey
	}
	if len(bundle.DevicePub) > 0 {
		pub, err := ParsePublicKey(bundle.DevicePub)
		if err != nil {
			return nil, err
		}
		e.devicePub = pub
		e.devicePubDER = bundle.DevicePub
	}
	if len(bundle.DSKPriv) > 0 {
		priv, err := x509.ParseECPrivateKey(bundle.DSKPriv)
		if err != nil {
			return nil, fmt.Errorf("%w: import DSK private key: %v", ErrCrypto, err)
		}
		e.dskPriv = priv
		e.dskPub = &priv.PublicKey
	}
	if len(bundle.DSKPub) > 0 {
		pub, err := ParsePublicKey(bundle.DSKPub)
		if err != nil {
			return nil, err
		}
		e.dskPub = pub
		e.dskPubDER = bundle.DSKPub
	}

	return e, nil
}

// ParsePublicKey parses a PKIX DER-encoded ECDSA public key.
func ParsePublicKey(der []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrCrypto, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not ECDSA", ErrCrypto)
	}
	return pub, nil
}

// DeviceID returns the device this engine belongs to.
func (e *Engine) DeviceID() string { return e.deviceID }

// DevicePub returns the device public key in PKIX DER form.
func (e *Engine) DevicePub() []byte { return e.devicePubDER }

// DSKPub returns the database signing public key in PKIX DER form, or nil if
// this device never received one.
func (e *Engine) DSKPub() []byte { return e.dskPubDER }

// HasDSK reports whether this device holds the DSK private key (creator only).
func (e *Engine) HasDSK() bool { return e.dskPriv != nil }

// EncryptJSON marshals v and encrypts it under the database DEK with a fresh
// random nonce.
func (e *Engine) EncryptJSON(v any) (*Envelope, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal payload: %v", ErrCrypto, err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %v", ErrCrypto, err)
	}
	ct := e.aead.Seal(nil, nonce, plaintext, nil)
	return &Envelope{IV: nonce, CT: ct}, nil
}

// DecryptJSON authenticates and decrypts an envelope, returning the plaintext
// JSON. A nil envelope decrypts to nil (absent payload).
func (e *Engine) DecryptJSON(env *Envelope) (json.RawMessage, error) {
	if env == nil {
		return nil, nil
	}
	if len(env.IV) != nonceSize {
		return nil, fmt.Errorf("%w: malformed envelope nonce", ErrCrypto)
	}
	plaintext, err := e.aead.Open(nil, env.IV, env.CT, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return plaintext, nil
}

// DecryptInto decrypts an envelope and unmarshals the plaintext into v.
func (e *Engine) DecryptInto(env *Envelope, v any) error {
	plaintext, err := e.DecryptJSON(env)
	if err != nil {
		return err
	}
	if plaintext == nil {
		return fmt.Errorf("%w: empty envelope", ErrCrypto)
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("%w: unmarshal plaintext: %v", ErrCrypto, err)
	}
	return nil
}

// Sign signs the canonical JSON encoding of v with the device key.
func (e *Engine) Sign(v any) ([]byte, error) {
	if e.devicePriv == nil {
		return nil, fmt.Errorf("%w: device private key not loaded", ErrCrypto)
	}
	return signJSON(e.devicePriv, v)
}

// Verify checks a device signature over the canonical JSON encoding of v.
func (e *Engine) Verify(pub *ecdsa.PublicKey, sig []byte, v any) bool {
	return verifyJSON(pub, sig, v)
}

// SignWithDSK signs v with the database signing key. Only the creator device
// holds the private half; everyone else gets ErrCrypto.
func (e *Engine) SignWithDSK(v any) ([]byte, error) {
	if e.dskPriv == nil {
		return nil, fmt.Errorf("%w: DSK private key not available on this device", ErrCrypto)
	}
	return signJSON(e.dskPriv, v)
}

// VerifyWithDSK checks a DSK signature. Returns false when this device never
// received the DSK public key.
func (e *Engine) VerifyWithDSK(sig []byte, v any) bool {
	if e.dskPub == nil {
		return false
	}
	return verifyJSON(e.dskPub, sig, v)
}

func signJSON(priv *ecdsa.PrivateKey, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal sign payload: %v", ErrCrypto, err)
	}
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: sign: %v", ErrCrypto, err)
	}
	return sig, nil
}

func verifyJSON(pub *ecdsa.PublicKey, sig []byte, v any) bool {
	if pub == nil {
		return false
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
