// Package protocol defines the JSON wire format spoken between devices
// and the relay, plus the error taxonomy for protocol violations.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates envelope payloads.
type MessageType string

const (
	TypeAuth   MessageType = "auth"
	TypeList   MessageType = "list"
	TypePair   MessageType = "pair"
	TypeUnpair MessageType = "unpair"
	TypeShare  MessageType = "share"
	TypeDelete MessageType = "delete"
	TypeError  MessageType = "error"
)

// Message is the framing envelope for every websocket frame.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into an envelope of the given type.
func NewMessage(t MessageType, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Message{Type: t, Data: data}, nil
}

// DataType enumerates the payload kinds devices share with each other.
type DataType string

const (
	DataClip         DataType = "clip"
	DataNotification DataType = "notification"
)

func (d DataType) valid() bool {
	return d == DataClip || d == DataNotification
}

// AuthRequest initializes a connection. It must be the first frame on a
// fresh connection and never appears again afterwards.
type AuthRequest struct {
	// ASCII-armored OpenPGP public key (user ID unused)
	PublicKey string `json:"publicKey"`
	// signed challenge string (armored OpenPGP message)
	Challenge string `json:"challenge"`
	// display name of the device
	Name string `json:"name"`
}

// Validate checks the handshake shape.
func (a AuthRequest) Validate() error {
	if a.PublicKey == "" {
		return errors.New("publicKey is required")
	}
	if a.Challenge == "" {
		return errors.New("challenge is required")
	}
	if a.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// Device references a device by fingerprint and display name.
type Device struct {
	DeviceID  string `json:"deviceId"`
	Name      string `json:"name"`
	PublicKey string `json:"publicKey,omitempty"`
}

// Validate checks the reference shape.
func (d Device) Validate() error {
	if d.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if d.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// PairEvent carries a pairing request or acceptance. DeviceID and Name
// refer to the counterpart device; only PublicKey belongs to the sender.
// The relay forwards ExpiryDate opaquely; expiry is enforced by clients.
type PairEvent struct {
	DeviceID   string `json:"deviceId"`
	Name       string `json:"name"`
	PublicKey  string `json:"publicKey"`
	ExpiryDate string `json:"expiryDate,omitempty"`
}

// Validate checks the pairing shape.
func (p PairEvent) Validate() error {
	if p.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if p.Name == "" {
		return errors.New("name is required")
	}
	if p.PublicKey == "" {
		return errors.New("publicKey is required")
	}
	return nil
}

// UnpairEvent dissolves a pairing. Outbound it names the device to unpair
// from; delivered it names the device that requested the unpairing.
type UnpairEvent struct {
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
}

// Validate checks the unpair shape.
func (u UnpairEvent) Validate() error {
	if u.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if u.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

// ShareData is the end-to-end encrypted payload; the relay never
// interprets Content.
type ShareData struct {
	Type    DataType `json:"type"`
	Content string   `json:"content"`
}

// ShareEvent carries shared data. Outbound from a device, DeviceID names
// the recipient; delivered to a device, the relay has overwritten it with
// the authenticated sender identity.
type ShareEvent struct {
	DeviceID string    `json:"deviceId"`
	Data     ShareData `json:"data"`
}

// Validate checks the share shape.
func (s ShareEvent) Validate() error {
	if s.DeviceID == "" {
		return errors.New("deviceId is required")
	}
	if !s.Data.Type.valid() {
		return fmt.Errorf("unknown data type %q", s.Data.Type)
	}
	return nil
}

// DeleteEvent removes the calling device from the relay; the relay emits
// an unpair to every listed paired device on its behalf before closing.
type DeleteEvent struct {
	PairedDevices []Device `json:"pairedDevices"`
}

// Validate checks the delete shape.
func (d DeleteEvent) Validate() error {
	for i, dev := range d.PairedDevices {
		if err := dev.Validate(); err != nil {
			return fmt.Errorf("pairedDevices[%d]: %w", i, err)
		}
	}
	return nil
}

// ErrEvent is the server-to-client error frame.
type ErrEvent struct {
	Code   ErrCode `json:"code"`
	Device *Device `json:"device,omitempty"`
}
