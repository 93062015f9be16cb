// Package pgptest generates throwaway OpenPGP identities for tests.
package pgptest

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	// Entities generated without an explicit preferred hash sign with
	// RIPEMD160, which openpgp requires to be registered.
	_ "golang.org/x/crypto/ripemd160"

	"github.com/DCsunset/clip-share/internal/identity"
)

// Device is a test-only device keypair able to produce handshake material.
type Device struct {
	entity *openpgp.Entity
}

// NewDevice generates a fresh keypair. Small RSA keys keep tests fast;
// nothing here guards real secrets.
func NewDevice(name string) (*Device, error) {
	cfg := &packet.Config{RSABits: 1024}
	entity, err := openpgp.NewEntity(name, "", name+"@test.invalid", cfg)
	if err != nil {
		return nil, fmt.Errorf("generate entity: %w", err)
	}
	return &Device{entity: entity}, nil
}

// ArmoredPublicKey exports the public half in ASCII armor.
func (d *Device) ArmoredPublicKey() (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := d.entity.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SignChallenge produces an armored signed message containing the
// well-formed challenge string for the given timestamp.
func (d *Device) SignChallenge(ts time.Time) (string, error) {
	return d.SignText(identity.ChallengePrefix + ts.Format(time.RFC3339))
}

// SignText signs an arbitrary plaintext, for malformed-challenge cases.
func (d *Device) SignText(text string) (string, error) {
	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return "", err
	}
	pw, err := openpgp.Sign(aw, d.entity, nil, nil)
	if err != nil {
		return "", err
	}
	if _, err := pw.Write([]byte(text)); err != nil {
		return "", err
	}
	if err := pw.Close(); err != nil {
		return "", err
	}
	if err := aw.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Fingerprint returns the identity the relay would derive for this device.
func (d *Device) Fingerprint() (string, error) {
	armored, err := d.ArmoredPublicKey()
	if err != nil {
		return "", err
	}
	return identity.Fingerprint(armored)
}
