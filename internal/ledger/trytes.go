package ledger

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// TryteAlphabet maps tryte values 0..26 to characters.
const TryteAlphabet = "9ABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	SeedLength    = 81
	AddressLength = 81

	signatureFragmentLength = 2187
	addressOffset           = signatureFragmentLength
	valueOffset             = addressOffset + AddressLength
	valueLength             = 27
	TransactionTrytesLength = 2673
)

// ASCIIToTrytes encodes every byte as two trytes (low value first).
func ASCIIToTrytes(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		first := int(c) % 27
		second := (int(c) - first) / 27
		b.WriteByte(TryteAlphabet[first])
		b.WriteByte(TryteAlphabet[second])
	}
	return b.String()
}

// TrytesToASCII decodes an even length tryte string produced by ASCIIToTrytes.
func TrytesToASCII(t string) (string, error) {
	if len(t)%2 != 0 {
		return "", fmt.Errorf("odd tryte length %d", len(t))
	}
	out := make([]byte, 0, len(t)/2)
	for i := 0; i < len(t); i += 2 {
		first := strings.IndexByte(TryteAlphabet, t[i])
		second := strings.IndexByte(TryteAlphabet, t[i+1])
		if first < 0 || second < 0 {
			return "", fmt.Errorf("invalid tryte at %d", i)
		}
		v := first + second*27
		if v > 255 {
			return "", fmt.Errorf("tryte pair at %d out of byte range", i)
		}
		out = append(out, byte(v))
	}
	return string(out), nil
}

// StripPadding removes the trailing 9s the node pads message fragments with.
// A single odd 9 left behind belongs to the last encoded byte, so it is kept.
func StripPadding(t string) string {
	s := strings.TrimRight(t, "9")
	if len(s)%2 != 0 {
		s += "9"
	}
	return s
}

func IsTrytes(s string) bool {
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(TryteAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

func ValidSeed(seed string) bool {
	return len(seed) == SeedLength && IsTrytes(seed)
}

// NormalizeAddress drops the 9 tryte checksum some wallets append.
func NormalizeAddress(addr string) string {
	if len(addr) > AddressLength {
		return addr[:AddressLength]
	}
	return addr
}

// RandomTrytes returns n cryptographically random trytes.
func RandomTrytes(n int) (string, error) {
	max := big.NewInt(int64(len(TryteAlphabet)))
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = TryteAlphabet[v.Int64()]
	}
	return string(b), nil
}

func NewSeed() (string, error) { return RandomTrytes(SeedLength) }

// trytesToInt reads balanced ternary trytes, least significant first.
func trytesToInt(t string) (int64, error) {
	var v int64
	var pow int64 = 1
	for i := 0; i < len(t); i++ {
		idx := strings.IndexByte(TryteAlphabet, t[i])
		if idx < 0 {
			return 0, fmt.Errorf("invalid tryte %q", t[i])
		}
		if idx > 13 {
			idx -= 27
		}
		for j := 0; j < 3; j++ {
			trit := idx % 3
			if trit == 2 {
				trit = -1
			} else if trit == -2 {
				trit = 1
			}
			idx = (idx - trit) / 3
			v += int64(trit) * pow
			pow *= 3
			// 33 trits cover the full value range, the rest are zero
			if pow > 1<<62/3 {
				return v, nil
			}
		}
	}
	return v, nil
}

// intToTrytes is the inverse of trytesToInt, padded to n trytes.
func intToTrytes(v int64, n int) string {
	b := make([]byte, n)
	for i := 0; i < n; i++ {
		tryte := 0
		mul := 1
		for j := 0; j < 3; j++ {
			r := v % 3
			if r < 0 {
				r += 3
			}
			trit := int(r)
			if trit == 2 {
				trit = -1
			}
			v = (v - int64(trit)) / 3
			tryte += trit * mul
			mul *= 3
		}
		if tryte < 0 {
			tryte += 27
		}
		b[i] = TryteAlphabet[tryte]
	}
	return string(b)
}

// ParseTransaction decodes the fields of raw transaction trytes the gateway needs.
func ParseTransaction(hash, raw string) (Transaction, error) {
	if len(raw) != TransactionTrytesLength {
		return Transaction{}, fmt.Errorf("transaction trytes length %d, want %d", len(raw), TransactionTrytesLength)
	}
	value, err := trytesToInt(raw[valueOffset : valueOffset+valueLength])
	if err != nil {
		return Transaction{}, fmt.Errorf("value: %w", err)
	}
	return Transaction{
		Hash:                     hash,
		SignatureMessageFragment: raw[:signatureFragmentLength],
		Address:                  raw[addressOffset : addressOffset+AddressLength],
		Value:                    value,
	}, nil
}
