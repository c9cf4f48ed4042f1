// Package turnrest mints coturn-compatible TURN REST (ephemeral)
// credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// The format is fixed by coturn:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<member_id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// with the expiry computed as now (UTC) + TTL seconds.
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Minter produces ephemeral TURN credentials for one relay deployment.
type Minter struct {
	sharedSecret   []byte
	ttlSeconds     int64
	usernamePrefix string

	now      func() time.Time
	memberID func() (string, error)
}

type MinterConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string

	// Now defaults to time.Now; fixed in tests.
	Now func() time.Time
	// MemberID supplies the id minted into anonymous credentials; defaults
	// to a crypto-random hex string.
	MemberID func() (string, error)
}

func NewMinter(cfg MinterConfig) (*Minter, error) {
	if cfg.SharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTLSeconds <= 0 {
		return nil, errors.New("ttl seconds must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		// Colons delimit the coturn username fields.
		return nil, errors.New("username prefix must not contain ':'")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	memberID := cfg.MemberID
	if memberID == nil {
		memberID = randomMemberID
	}
	return &Minter{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttlSeconds:     cfg.TTLSeconds,
		usernamePrefix: cfg.UsernamePrefix,
		now:            now,
		memberID:       memberID,
	}, nil
}

// Credentials is one ephemeral TURN username/credential pair.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Mint produces credentials tied to a member identifier, so coturn logs
// can be correlated with relay logs.
func (m *Minter) Mint(memberID string) (Credentials, error) {
	if memberID == "" {
		return Credentials{}, errors.New("member id is required")
	}
	if strings.Contains(memberID, ":") {
		return Credentials{}, errors.New("member id must not contain ':'")
	}
	expiry := m.now().UTC().Unix() + m.ttlSeconds
	username := fmt.Sprintf("%d:%s:%s", expiry, m.usernamePrefix, memberID)
	return Credentials{
		Username:   username,
		Credential: sign(m.sharedSecret, username),
		ExpiryUnix: expiry,
	}, nil
}

// MintAnonymous produces credentials for a caller with no member id yet
// (the /ice bootstrap request happens before the signaling connection).
func (m *Minter) MintAnonymous() (Credentials, error) {
	id, err := m.memberID()
	if err != nil {
		return Credentials{}, err
	}
	return m.Mint(id)
}

func randomMemberID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func sign(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
