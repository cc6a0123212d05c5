// SPDX-License-Identifier: MIT

// Package grant mints and validates segment-access tokens and evaluates
// tier-based access.
package grant

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Reason classifies why a token failed validation.
type Reason string

const (
	ReasonOK             Reason = ""
	ReasonExpired        Reason = "expired"
	ReasonWrongTrack     Reason = "wrong-track"
	ReasonWrongVoice     Reason = "wrong-voice"
	ReasonContentUpdated Reason = "content-updated"
	ReasonBadSignature   Reason = "bad-signature"
)

// ErrInvalidToken wraps all validation failures; the Reason carries the
// specifics.
var ErrInvalidToken = errors.New("grant: invalid token")

// Payload is the signed content of a grant token. A token authorizes
// segment fetches for one (stream, track, voice) at one content version.
type Payload struct {
	StreamSessionID string `json:"sid"`
	TrackID         string `json:"tid"`
	VoiceID         string `json:"vid"`
	ContentVersion  int64  `json:"cv"`
	UserID          string `json:"uid"`
	ExpiresAt       int64  `json:"exp"`
}

// Minter signs and verifies grant tokens with a shared HMAC secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewMinter returns a Minter. The secret must be at least 32 bytes; config
// validation enforces that before we get here.
func NewMinter(secret []byte, ttl time.Duration) *Minter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Minter{secret: secret, ttl: ttl, now: time.Now}
}

// TTL is the token lifetime used by Mint.
func (m *Minter) TTL() time.Duration { return m.ttl }

func (m *Minter) sign(encoded string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// Mint issues a token for the given stream at the current content version.
func (m *Minter) Mint(sessionID, trackID, voiceID, userID string, contentVersion int64) (string, Payload, error) {
	p := Payload{
		StreamSessionID: sessionID,
		TrackID:         trackID,
		VoiceID:         voiceID,
		ContentVersion:  contentVersion,
		UserID:          userID,
		ExpiresAt:       m.now().Add(m.ttl).Unix(),
	}
	buf, err := json.Marshal(p)
	if err != nil {
		return "", Payload{}, fmt.Errorf("encode grant payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	return encoded + "." + m.sign(encoded), p, nil
}

// Validate checks signature, expiry and binding of a token against the
// requested track, voice and the track's current content version. The
// signature is checked first and in constant time; payload fields are only
// trusted after it passes.
func (m *Minter) Validate(token, trackID, voiceID string, contentVersion int64) (Payload, Reason, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return Payload{}, ReasonBadSignature, fmt.Errorf("%w: malformed", ErrInvalidToken)
	}
	if !hmac.Equal([]byte(m.sign(encoded)), []byte(sig)) {
		return Payload{}, ReasonBadSignature, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Payload{}, ReasonBadSignature, fmt.Errorf("%w: payload encoding", ErrInvalidToken)
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ReasonBadSignature, fmt.Errorf("%w: payload shape", ErrInvalidToken)
	}

	switch {
	case m.now().Unix() >= p.ExpiresAt:
		return p, ReasonExpired, fmt.Errorf("%w: expired", ErrInvalidToken)
	case p.TrackID != trackID:
		return p, ReasonWrongTrack, fmt.Errorf("%w: issued for another track", ErrInvalidToken)
	case p.VoiceID != voiceID:
		return p, ReasonWrongVoice, fmt.Errorf("%w: issued for another voice", ErrInvalidToken)
	case p.ContentVersion != contentVersion:
		return p, ReasonContentUpdated, fmt.Errorf("%w: content updated", ErrInvalidToken)
	}
	return p, ReasonOK, nil
}
