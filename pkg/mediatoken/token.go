// Package mediatoken builds and verifies the signed "007" access tokens that the
// external media relay accepts as proof that a uid may join a channel.
//
// Token layout:
//
//	"007" + appID + base64(salt | issuedAt | expireAt | len(channel) | channel | uid | hmac)
//
// All integers are little-endian. salt, issuedAt, expireAt and uid are 4 bytes,
// the channel length prefix is 2 bytes and hmac is HMAC-SHA256 over every byte
// before it, keyed with the application certificate.
package mediatoken

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Version is the literal tag every token starts with.
const Version = "007"

// DefaultTTL is the validity window used when a caller does not ask for one.
const DefaultTTL = time.Hour

// Role is carried alongside a token for the relay; it is not part of the signed body.
type Role int

const (
	RolePublisher  Role = 1
	RoleSubscriber Role = 2
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

var (
	ErrChannelTooLong = errors.New("mediatoken: channel name exceeds 65535 bytes")
	ErrMalformed      = errors.New("mediatoken: malformed token")
	ErrBadSignature   = errors.New("mediatoken: signature mismatch")
)

// Claims is the decoded body of a token.
type Claims struct {
	Salt     uint32
	IssuedAt uint32
	ExpireAt uint32
	Channel  string
	UID      uint32
}

// Encode produces the token for a fully specified body. It is deterministic;
// Builder supplies the salt and timestamps.
func Encode(appID, appCertificate string, c Claims) (string, error) {
	if len(c.Channel) > math.MaxUint16 {
		return "", ErrChannelTooLong
	}

	body := make([]byte, 0, 18+len(c.Channel)+sha256.Size)
	body = binary.LittleEndian.AppendUint32(body, c.Salt)
	body = binary.LittleEndian.AppendUint32(body, c.IssuedAt)
	body = binary.LittleEndian.AppendUint32(body, c.ExpireAt)
	body = binary.LittleEndian.AppendUint16(body, uint16(len(c.Channel)))
	body = append(body, c.Channel...)
	body = binary.LittleEndian.AppendUint32(body, c.UID)

	body = append(body, sign(appCertificate, body)...)

	return Version + appID + base64.StdEncoding.EncodeToString(body), nil
}

// Decode parses a token issued for appID and verifies its signature.
func Decode(token, appID, appCertificate string) (*Claims, error) {
	prefix := Version + appID
	if !strings.HasPrefix(token, prefix) {
		return nil, ErrMalformed
	}

	raw, err := base64.StdEncoding.DecodeString(token[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 18+sha256.Size {
		return nil, ErrMalformed
	}

	body, mac := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	if !hmac.Equal(mac, sign(appCertificate, body)) {
		return nil, ErrBadSignature
	}

	c := &Claims{
		Salt:     binary.LittleEndian.Uint32(body[0:4]),
		IssuedAt: binary.LittleEndian.Uint32(body[4:8]),
		ExpireAt: binary.LittleEndian.Uint32(body[8:12]),
	}
	n := int(binary.LittleEndian.Uint16(body[12:14]))
	if len(body) != 14+n+4 {
		return nil, ErrMalformed
	}
	c.Channel = string(body[14 : 14+n])
	c.UID = binary.LittleEndian.Uint32(body[14+n:])

	return c, nil
}

func sign(key string, msg []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

// Token is an issued credential together with the values it was built from.
type Token struct {
	Value     string
	Role      Role
	Salt      uint32
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Builder issues tokens for one application. It is safe for concurrent use.
type Builder struct {
	appID          string
	appCertificate string

	now  func() time.Time
	salt func() uint32

	mu         sync.Mutex
	lastSalt   uint32
	lastIssued uint32
}

// NewBuilder returns a Builder for the given application credentials.
func NewBuilder(appID, appCertificate string) *Builder {
	return &Builder{
		appID:          appID,
		appCertificate: appCertificate,
		now:            time.Now,
		salt:           randomSalt,
	}
}

// AppID returns the application id tokens are issued for.
func (b *Builder) AppID() string {
	return b.appID
}

// Configured reports whether both the app id and the certificate are set.
func (b *Builder) Configured() bool {
	return b.appID != "" && b.appCertificate != ""
}

// Build issues a token for uid on channel. A non-positive ttl means DefaultTTL.
func (b *Builder) Build(channel string, uid uint32, role Role, ttl time.Duration) (*Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	issued := b.now()
	ts := uint32(issued.Unix())

	b.mu.Lock()
	salt := b.salt()
	for salt == b.lastSalt && ts == b.lastIssued {
		salt = b.salt()
	}
	b.lastSalt, b.lastIssued = salt, ts
	b.mu.Unlock()

	expire := ts + uint32(ttl/time.Second)

	value, err := Encode(b.appID, b.appCertificate, Claims{
		Salt:     salt,
		IssuedAt: ts,
		ExpireAt: expire,
		Channel:  channel,
		UID:      uid,
	})
	if err != nil {
		return nil, err
	}

	return &Token{
		Value:     value,
		Role:      role,
		Salt:      salt,
		IssuedAt:  time.Unix(int64(ts), 0),
		ExpiresAt: time.Unix(int64(expire), 0),
	}, nil
}

func randomSalt() uint32 {
	var buf [4]byte
	// crypto/rand.Read does not return an error on supported platforms.
	_, _ = rand.Read(buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}
