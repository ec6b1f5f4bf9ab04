// Package keys seals instruction sets for a named peer and mints the bearer
// credentials used to deliver them.
package keys

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/transit"
)

const sealVersion byte = 1

type Options struct {
	TokenTTL time.Duration
	Now      func() time.Time
}

// Service implements transit.KeyService with AES-GCM over a key derived from
// each peer's shared secret. The issuer identity is bound as additional data,
// so a set sealed by one peer cannot be replayed as another's.
type Service struct {
	identity string
	peers    *Directory
	tokenTTL time.Duration
	now      func() time.Time
}

func NewService(identity string, peers *Directory, opts Options) (*Service, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return nil, fmt.Errorf("local identity is required")
	}
	if peers == nil {
		peers, _ = NewDirectory()
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{identity: identity, peers: peers, tokenTTL: ttl, now: now}, nil
}

func (s *Service) Identity() string {
	return s.identity
}

func (s *Service) Encrypt(ctx context.Context, header transit.FileHeader, recipient string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, ok := s.peers.Lookup(recipient)
	if !ok {
		return nil, fmt.Errorf("%w: %s", transit.ErrRecipientUnknown, recipient)
	}
	doc := transit.NewInstructionDocument(s.identity, header, peer.Identity, s.now())
	plain, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(peer.Secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, []byte(s.identity)), nil
}

func (s *Service) Decrypt(ctx context.Context, sender string, set []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	peer, ok := s.peers.Lookup(sender)
	if !ok {
		return nil, fmt.Errorf("%w: unknown sender %s", transit.ErrCorruptInstructionSet, sender)
	}
	aead, err := newAEAD(peer.Secret)
	if err != nil {
		return nil, err
	}
	if len(set) < 1+aead.NonceSize() || set[0] != sealVersion {
		return nil, fmt.Errorf("%w: malformed seal", transit.ErrCorruptInstructionSet)
	}
	nonce := set[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, set[1+aead.NonceSize():], []byte(peer.Identity))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transit.ErrCorruptInstructionSet, err)
	}
	return plain, nil
}

func (s *Service) ResolveRecipientAccessToken(ctx context.Context, recipient string) (transit.Credential, error) {
	if err := ctx.Err(); err != nil {
		return transit.Credential{}, err
	}
	peer, ok := s.peers.Lookup(recipient)
	if !ok {
		return transit.Credential{}, fmt.Errorf("%w: %s", transit.ErrRecipientUnknown, recipient)
	}
	token, exp, err := peerauth.Mint(peer.Secret, s.identity, peer.Identity, []string{peerauth.ScopeDeliver}, s.tokenTTL, s.now())
	if err != nil {
		return transit.Credential{}, err
	}
	return transit.Credential{Token: token, ExpiresAt: exp}, nil
}

func newAEAD(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
