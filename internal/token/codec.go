package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/storecredit/creditnote/internal/model"
)

// PayloadType marks the token as a credit note credential.
const PayloadType = "credit_note"

// Version of the signed token format.
const Version = 1

const legacyPrefix = "CREDIT:"

// ErrUnrecognizedFormat means the input is not structurally a token at all.
// Callers may fall back to treating the input as a bare note number.
var ErrUnrecognizedFormat = errors.New("unrecognized token format")

// Payload is what a scanning client recovers from a token. The amount is
// display context only; every balance decision re-reads the ledger.
type Payload struct {
	Type       string          `json:"type"`
	Version    int             `json:"version"`
	NoteNumber string          `json:"note_number"`
	Amount     decimal.Decimal `json:"amount"`
	OwnerRef   string          `json:"owner_ref"`
	MerchantID string          `json:"merchant_id"`
	IssuedAt   int64           `json:"issued_at"`

	// Legacy marks a payload decoded from the old CREDIT:<code>:... format,
	// which carries no digest. Its fields are lower-trust input.
	Legacy bool `json:"-"`
}

// Codec signs and verifies redemption tokens with a server-held secret.
type Codec struct {
	secret []byte
	maxAge time.Duration
	now    func() time.Time
}

// NewCodec creates a Codec. maxAge of zero disables the age check.
func NewCodec(secret string, maxAge time.Duration) *Codec {
	return &Codec{
		secret: []byte(secret),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Encode serializes the payload canonically and appends an HMAC-SHA256
// digest: base64url(payload) + "." + base64url(digest).
func (c *Codec) Encode(p Payload) (string, error) {
	p.Type = PayloadType
	p.Version = Version
	if p.IssuedAt == 0 {
		p.IssuedAt = c.now().Unix()
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token payload: %w", err)
	}

	sig := c.sign(raw)
	return base64.RawURLEncoding.EncodeToString(raw) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Decode verifies and parses a presented token. It returns
// model.ErrTokenIntegrity when the digest or payload shape does not check
// out, model.ErrTokenExpired when the payload is older than the configured
// maximum age, and ErrUnrecognizedFormat when the input is not a token.
func (c *Codec) Decode(tok string) (Payload, error) {
	if strings.HasPrefix(tok, legacyPrefix) {
		return c.decodeLegacy(tok)
	}

	payloadPart, sigPart, found := strings.Cut(tok, ".")
	if !found {
		return Payload{}, ErrUnrecognizedFormat
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return Payload{}, ErrUnrecognizedFormat
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return Payload{}, ErrUnrecognizedFormat
	}

	if !hmac.Equal(c.sign(raw), sig) {
		return Payload{}, model.ErrTokenIntegrity
	}

	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, model.ErrTokenIntegrity
	}
	if p.Type != PayloadType || p.NoteNumber == "" {
		return Payload{}, model.ErrTokenIntegrity
	}

	if err := c.checkAge(p.IssuedAt); err != nil {
		return Payload{}, err
	}

	return p, nil
}

// decodeLegacy parses CREDIT:<code>:<amount>:<owner>:<timestamp>. There is
// no digest to verify, so the decoded amount is advisory only and must be
// re-validated against the ledger before any balance-affecting decision.
func (c *Codec) decodeLegacy(tok string) (Payload, error) {
	parts := strings.Split(tok, ":")
	if len(parts) != 5 || parts[1] == "" {
		return Payload{}, model.ErrTokenIntegrity
	}

	amount, err := decimal.NewFromString(parts[2])
	if err != nil {
		return Payload{}, model.ErrTokenIntegrity
	}
	issuedAt, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return Payload{}, model.ErrTokenIntegrity
	}

	if err := c.checkAge(issuedAt); err != nil {
		return Payload{}, err
	}

	return Payload{
		Type:       PayloadType,
		Version:    0,
		NoteNumber: parts[1],
		Amount:     amount,
		OwnerRef:   parts[3],
		IssuedAt:   issuedAt,
		Legacy:     true,
	}, nil
}

func (c *Codec) checkAge(issuedAt int64) error {
	if c.maxAge <= 0 {
		return nil
	}
	if c.now().Sub(time.Unix(issuedAt, 0)) > c.maxAge {
		return model.ErrTokenExpired
	}
	return nil
}

func (c *Codec) sign(raw []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(raw)
	return mac.Sum(nil)
}
