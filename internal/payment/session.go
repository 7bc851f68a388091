package payment

import (
	"crypto/rsa"
	"sync"
)

// Session gates the release of a restricted stream behind one payment.
// Both flags move from false to true once and never back.
type Session struct {
	mu            sync.Mutex
	wallet        string
	price         float64
	key           *rsa.PrivateKey
	handshakeSent bool
	paid          bool
}

func NewSession(wallet string, price float64, key *rsa.PrivateKey) *Session {
	return &Session{wallet: wallet, price: price, key: key}
}

func (s *Session) Wallet() string              { return s.wallet }
func (s *Session) Price() float64              { return s.price }
func (s *Session) PrivateKey() *rsa.PrivateKey { return s.key }

// Gated reports whether the stream waits for a payment at all.
func (s *Session) Gated() bool { return s.price > 0 }

func (s *Session) Handshake() HandshakePacket {
	return NewHandshakePacket(s.wallet, s.price, &s.key.PublicKey)
}

// MarkHandshakeSent returns false when the handshake already went out.
func (s *Session) MarkHandshakeSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeSent {
		return false
	}
	s.handshakeSent = true
	return true
}

// MarkPaid returns false when the session was already paid.
func (s *Session) MarkPaid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paid {
		return false
	}
	s.paid = true
	return true
}

func (s *Session) HandshakeSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeSent
}

func (s *Session) Paid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paid
}

// Restore applies persisted flags.
func (s *Session) Restore(handshakeSent, paid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakeSent = s.handshakeSent || handshakeSent
	s.paid = s.paid || paid
}
