package payment

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/fisaks/mamlink/internal/ledger"
)

// ErrCrypto covers key decoding and RSA failures. A publisher keeps its own
// stream key when the buyer's key cannot be recovered.
var ErrCrypto = errors.New("crypto error")

const KeyBits = 2048

func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrCrypto, err)
	}
	return key, nil
}

// EncryptKey encrypts a stream key for the publisher and encodes it as
// trytes so it fits a transaction message.
func EncryptKey(key string, pub *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: encrypt: %v", ErrCrypto, err)
	}
	msg := ledger.ASCIIToTrytes(base64.StdEncoding.EncodeToString(ct))
	if len(msg) > ledger.TransactionTrytesLength {
		return "", fmt.Errorf("%w: encrypted key does not fit a message", ErrCrypto)
	}
	return msg, nil
}

// DecryptKey reverses EncryptKey on the signature fragment of the paying
// transaction, padding included.
func DecryptKey(fragment string, priv *rsa.PrivateKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("%w: no private key", ErrCrypto)
	}
	trimmed := ledger.StripPadding(fragment)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty message", ErrCrypto)
	}
	b64, err := ledger.TrytesToASCII(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("%w: base64: %v", ErrCrypto, err)
	}
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt: %v", ErrCrypto, err)
	}
	return string(pt), nil
}

func PublicKeyFromDecimal(modulus, exponent string) (*rsa.PublicKey, error) {
	n, ok := new(big.Int).SetString(modulus, 10)
	if !ok || n.Sign() <= 0 {
		return nil, fmt.Errorf("%w: invalid modulus", ErrCrypto)
	}
	e, ok := new(big.Int).SetString(exponent, 10)
	if !ok || !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("%w: invalid exponent", ErrCrypto)
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
