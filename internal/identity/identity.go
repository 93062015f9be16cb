// Package identity derives device identities from OpenPGP public keys and
// verifies the signed challenge presented during the connection handshake.
package identity

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// ChallengePrefix is the fixed plaintext prefix every signed challenge
// must carry, followed by an RFC 3339 timestamp.
const ChallengePrefix = "clip-share-"

// MaxClockSkew bounds how far the challenge timestamp may drift from the
// relay's clock in either direction.
const MaxClockSkew = time.Hour

// Fingerprint derives the device identity from an ASCII-armored OpenPGP
// public key: the primary key fingerprint as colon-delimited hex byte pairs.
// The result is deterministic for a given key.
func Fingerprint(armoredKey string) (string, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	if len(ring) == 0 {
		return "", errors.New("no key found in armored block")
	}

	fp := ring[0].PrimaryKey.Fingerprint
	parts := make([]string, len(fp))
	for i, b := range fp {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":"), nil
}

// VerifyChallenge checks that signedChallenge is a valid armored OpenPGP
// message signed by armoredKey whose plaintext is ChallengePrefix plus an
// RFC 3339 timestamp within MaxClockSkew of now. Every failure mode
// reports the same false result so the caller leaks nothing beyond
// "authentication failed".
func VerifyChallenge(armoredKey, signedChallenge string, now time.Time) bool {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armoredKey))
	if err != nil || len(ring) == 0 {
		return false
	}

	block, err := armor.Decode(strings.NewReader(signedChallenge))
	if err != nil {
		return false
	}
	md, err := openpgp.ReadMessage(block.Body, ring, nil, nil)
	if err != nil {
		return false
	}
	body, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return false
	}
	// SignatureError is only populated after the body has been consumed.
	if md.SignatureError != nil || md.SignedBy == nil {
		return false
	}

	challenge := string(body)
	if !strings.HasPrefix(challenge, ChallengePrefix) {
		return false
	}
	ts, err := time.Parse(time.RFC3339, challenge[len(ChallengePrefix):])
	if err != nil {
		return false
	}

	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff < MaxClockSkew
}
