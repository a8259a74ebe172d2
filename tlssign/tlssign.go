// Copyright (c) Firegate Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tlssign defines the signing capabilities the TLS layer
// consumes when it needs a signature over a handshake transcript
// hash. The socket layer below never calls these; it only forwards
// the buffers they produce, and must not copy or mutate key material.
//
// Implementations either hold a software key (ECDSASigner) or route
// the operation to a hardware module behind a PKCS#11-style
// interface; both present the same success/typed-failure contract.
package tlssign

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
)

// MaxSignatureLen bounds a DER-encoded two-integer ECDSA signature
// (SEQUENCE of r and s) for curves up to 521 bits:
// 1 tag + 1 len + 1 leading zero + 66 bytes for each integer,
// twice that plus 1 tag + 2 len for the sequence.
const MaxSignatureLen = 3 + 2*(3+66)

// ErrSignatureTooLong is returned when an implementation produces a
// signature exceeding MaxSignatureLen, which callers size their
// buffers by.
var ErrSignatureTooLong = errors.New("tlssign: signature exceeds maximum length")

// ErrKeyUnavailable is returned when the private key cannot be used,
// e.g. the hardware module went away.
var ErrKeyUnavailable = errors.New("tlssign: private key unavailable")

// ErrOutputTooLong is returned by a Decrypter when the plaintext does
// not fit the caller's length bound.
var ErrOutputTooLong = errors.New("tlssign: plaintext exceeds caller's length bound")

// Signer signs an already-computed transcript hash. The digest buffer
// is borrowed for the duration of the call only.
type Signer interface {
	// SignDigest returns a DER-encoded two-integer signature of at
	// most MaxSignatureLen bytes, or a typed error.
	SignDigest(digest []byte) ([]byte, error)
}

// Decrypter is the PKCS#11-routed private-key operation used when the
// key lives in a hardware module: same bounded-output, typed-failure
// contract as Signer.
type Decrypter interface {
	// Decrypt returns at most maxLen plaintext bytes for the given
	// ciphertext, or a typed error.
	Decrypt(ciphertext []byte, maxLen int) ([]byte, error)
}

// ECDSASigner is the software Signer over a local ECDSA key.
type ECDSASigner struct {
	key *ecdsa.PrivateKey
}

// NewECDSASigner wraps key. Curves wider than 521 bits are rejected:
// their signatures cannot fit the wire bound.
func NewECDSASigner(key *ecdsa.PrivateKey) (*ECDSASigner, error) {
	if key == nil {
		return nil, ErrKeyUnavailable
	}
	if size := (key.Curve.Params().BitSize + 7) / 8; size > 66 {
		return nil, fmt.Errorf("tlssign: curve %v too wide for signature bound", key.Curve.Params().Name)
	}
	return &ECDSASigner{key: key}, nil
}

// SignDigest implements Signer.
func (s *ECDSASigner) SignDigest(digest []byte) ([]byte, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest)
	if err != nil {
		return nil, fmt.Errorf("tlssign: sign: %w", err)
	}
	if len(sig) > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}
	return sig, nil
}

// Public returns the verifying key.
func (s *ECDSASigner) Public() *ecdsa.PublicKey { return &s.key.PublicKey }

// RSADecrypter is the software Decrypter over a local RSA key, used
// when no hardware module is configured. RSA key exchange encrypts
// the premaster secret with PKCS#1 v1.5, so that is the padding
// applied here.
type RSADecrypter struct {
	key *rsa.PrivateKey
}

// NewRSADecrypter wraps key.
func NewRSADecrypter(key *rsa.PrivateKey) (*RSADecrypter, error) {
	if key == nil {
		return nil, ErrKeyUnavailable
	}
	return &RSADecrypter{key: key}, nil
}

// Decrypt implements Decrypter.
func (d *RSADecrypter) Decrypt(ciphertext []byte, maxLen int) ([]byte, error) {
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, d.key, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("tlssign: decrypt: %w", err)
	}
	if len(pt) > maxLen {
		return nil, ErrOutputTooLong
	}
	return pt, nil
}

// GenerateTestKey returns a fresh P-256 key; test and example helper.
func GenerateTestKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}
