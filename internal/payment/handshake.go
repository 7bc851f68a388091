package payment

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fisaks/mamlink/internal/mam"
)

const handshakeType = "handshake"

type RSAPublic struct {
	Modulus  string `json:"Modulus"`
	Exponent string `json:"Exponent"`
}

// HandshakePacket announces where to pay for a restricted stream and the
// key to encrypt the buyer's stream key with.
type HandshakePacket struct {
	Type   string    `json:"Type"`
	Wallet string    `json:"Wallet"`
	Price  float64   `json:"Price"`
	RSA    RSAPublic `json:"RSA"`
}

func NewHandshakePacket(wallet string, price float64, pub *rsa.PublicKey) HandshakePacket {
	return HandshakePacket{
		Type:   handshakeType,
		Wallet: wallet,
		Price:  price,
		RSA: RSAPublic{
			Modulus:  pub.N.String(),
			Exponent: strconv.Itoa(pub.E),
		},
	}
}

func (h HandshakePacket) PublicKey() (*rsa.PublicKey, error) {
	return PublicKeyFromDecimal(h.RSA.Modulus, h.RSA.Exponent)
}

// ParseHandshake reads a packet as attached by the helper, which
// upper-cases keys and values.
func ParseHandshake(raw []byte) (*HandshakePacket, error) {
	var wire struct {
		Type   string          `json:"Type"`
		Wallet string          `json:"Wallet"`
		Price  json.RawMessage `json:"Price"`
		RSA    struct {
			Modulus  json.RawMessage `json:"Modulus"`
			Exponent json.RawMessage `json:"Exponent"`
		} `json:"RSA"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: handshake: %v", mam.ErrMalformedResponse, err)
	}
	if !strings.EqualFold(wire.Type, handshakeType) {
		return nil, fmt.Errorf("%w: not a handshake packet (type %q)", mam.ErrMalformedResponse, wire.Type)
	}
	price, err := strconv.ParseFloat(unquote(wire.Price), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: handshake price: %v", mam.ErrMalformedResponse, err)
	}
	h := &HandshakePacket{
		Type:   handshakeType,
		Wallet: wire.Wallet,
		Price:  price,
		RSA:    RSAPublic{Modulus: unquote(wire.RSA.Modulus), Exponent: unquote(wire.RSA.Exponent)},
	}
	if h.Wallet == "" {
		return nil, fmt.Errorf("%w: handshake without wallet", mam.ErrMalformedResponse)
	}
	return h, nil
}

func unquote(b json.RawMessage) string {
	return strings.Trim(strings.TrimSpace(string(b)), `"`)
}
