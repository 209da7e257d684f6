package otp

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"space_broker/internal/adapters/observability"
	"space_broker/internal/domain"
)

// Store issues single-use signing codes backed by redis. A fresh Issue
// for the same contract/party overwrites any outstanding code; Consume
// removes the key atomically, so a code can never validate twice.
type Store struct {
	c   *redis.Client
	ttl time.Duration
}

func New(addr, pass string, db int, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Store{
		c:   redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db}),
		ttl: ttl,
	}
}

func key(contractID int64, party domain.Role) string {
	return fmt.Sprintf("otp:contract:%d:%s", contractID, party)
}

// Only the code's hash is stored; the plaintext goes to the party once.
func hash(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func (s *Store) Issue(ctx context.Context, contractID int64, party domain.Role) (string, error) {
	code, err := sixDigits()
	if err != nil {
		return "", err
	}
	if err := s.c.Set(ctx, key(contractID, party), hash(code), s.ttl).Err(); err != nil {
		return "", err
	}
	observability.ObserveOtp("issued")
	return code, nil
}

func (s *Store) Consume(ctx context.Context, contractID int64, party domain.Role, code string) error {
	stored, err := s.c.GetDel(ctx, key(contractID, party)).Result()
	if err == redis.Nil {
		observability.ObserveOtp("expired")
		return domain.ErrInvalidOtp
	}
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(hash(code))) != 1 {
		// The key is already gone: a wrong guess burns the code.
		observability.ObserveOtp("mismatch")
		return domain.ErrInvalidOtp
	}
	observability.ObserveOtp("consumed")
	return nil
}

func sixDigits() (string, error) {
	n, err := crand.Int(crand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
