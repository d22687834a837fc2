package peerstore

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"net"
	"time"

	"github.com/cenkalti/dhtnode/internal/key"
	"golang.org/x/crypto/blake2b"
)

const tokenLength = 16

type tokenSecrets struct {
	current   [32]byte
	previous  [32]byte
	rotatedAt time.Time
}

func newSecret() (s [32]byte) {
	if _, err := rand.Read(s[:]); err != nil {
		panic(err)
	}
	return
}

// rotate advances the secrets so that a token stays valid for at least one and at most two periods.
func (t *tokenSecrets) rotate(now time.Time, period time.Duration) {
	periods := now.Sub(t.rotatedAt) / period
	switch {
	case periods <= 0:
		return
	case periods == 1:
		t.previous = t.current
		t.current = newSecret()
	default:
		t.previous = newSecret()
		t.current = newSecret()
	}
	t.rotatedAt = t.rotatedAt.Add(periods * period)
}

func computeToken(secret [32]byte, ip net.IP, port int, ih key.Key) []byte {
	h, err := blake2b.New(tokenLength, secret[:])
	if err != nil {
		panic(err)
	}
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], uint16(port))
	h.Write(ip)
	h.Write(p[:])
	h.Write(ih[:])
	return h.Sum(nil)
}

// GenToken returns a write token bound to the requester's address and the key.
func (s *Store) GenToken(ip net.IP, port int, ih key.Key) []byte {
	s.m.Lock()
	s.tokens.rotate(s.clock.Now(), s.cfg.TokenTimeout)
	secret := s.tokens.current
	s.stats.TokensIssued++
	s.m.Unlock()
	return computeToken(secret, ip, port, ih)
}

// CheckToken returns true if token was issued by GenToken for the same triple and has not expired.
func (s *Store) CheckToken(token []byte, ip net.IP, port int, ih key.Key) bool {
	s.m.Lock()
	s.tokens.rotate(s.clock.Now(), s.cfg.TokenTimeout)
	cur, prev := s.tokens.current, s.tokens.previous
	s.m.Unlock()

	if len(token) != tokenLength {
		s.rejectToken()
		return false
	}
	if subtle.ConstantTimeCompare(token, computeToken(cur, ip, port, ih)) == 1 ||
		subtle.ConstantTimeCompare(token, computeToken(prev, ip, port, ih)) == 1 {
		return true
	}
	s.rejectToken()
	return false
}

func (s *Store) rejectToken() {
	s.m.Lock()
	s.stats.TokensRejected++
	s.m.Unlock()
}
