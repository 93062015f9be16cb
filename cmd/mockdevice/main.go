// mockdevice is a development client for exercising a running relay. A
// receiver announces itself and waits for shared data; a sender picks a
// target from the device list and shares a payload with it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/DCsunset/clip-share/internal/pgptest"
	"github.com/DCsunset/clip-share/internal/protocol"
)

type deviceConfig struct {
	serverURL string
	name      string
	role      string
	target    string
	content   string
	dataType  string
	timeout   time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock device failed: %v", err)
	}
	log.Printf("mock device role %s done", cfg.role)
}

func parseConfig() deviceConfig {
	var cfg deviceConfig
	flag.StringVar(&cfg.serverURL, "server", "ws://127.0.0.1:3000/ws", "Websocket URL of the relay")
	flag.StringVar(&cfg.name, "name", "", "Device display name (defaults to mockdevice-<role>)")
	flag.StringVar(&cfg.role, "role", "receiver", "Role for this device (sender|receiver)")
	flag.StringVar(&cfg.target, "target", "", "Target device fingerprint (sender picks the first listed device when empty)")
	flag.StringVar(&cfg.content, "content", "mockdevice-payload", "Content to share")
	flag.StringVar(&cfg.dataType, "data-type", string(protocol.DataClip), "Data type to share (clip|notification)")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	if cfg.name == "" {
		cfg.name = "mockdevice-" + cfg.role
	}
	return cfg
}

func run(cfg deviceConfig) error {
	dev, err := pgptest.NewDevice(cfg.name)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	fp, err := dev.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	log.Printf("device %s fingerprint %s", cfg.name, fp)

	conn, _, err := websocket.DefaultDialer.Dial(cfg.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	if err := conn.SetReadDeadline(time.Now().Add(cfg.timeout)); err != nil {
		return err
	}

	if err := authenticate(conn, dev, cfg.name); err != nil {
		return err
	}
	return handleFrames(conn, cfg)
}

func authenticate(conn *websocket.Conn, dev *pgptest.Device, name string) error {
	armored, err := dev.ArmoredPublicKey()
	if err != nil {
		return fmt.Errorf("export key: %w", err)
	}
	challenge, err := dev.SignChallenge(time.Now())
	if err != nil {
		return fmt.Errorf("sign challenge: %w", err)
	}
	msg, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthRequest{
		PublicKey: armored,
		Challenge: challenge,
		Name:      name,
	})
	if err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func handleFrames(conn *websocket.Conn, cfg deviceConfig) error {
	var (
		sentShare bool
		flushed   bool
	)

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}

		switch msg.Type {
		case protocol.TypeList:
			var devices []protocol.Device
			if err := json.Unmarshal(msg.Data, &devices); err != nil {
				return fmt.Errorf("decode list: %w", err)
			}
			for _, d := range devices {
				log.Printf("online: %s (%s)", d.Name, d.DeviceID)
			}
			if cfg.role == "sender" && sentShare {
				// the list response confirms the share was processed
				flushed = true
			}
			if cfg.role == "sender" && !sentShare {
				target := pickTarget(devices, cfg.target)
				if target == "" {
					continue
				}
				if err := sendShare(conn, target, cfg); err != nil {
					return err
				}
				sentShare = true
				// request a list so the next response acts as a flush
				flush, err := protocol.NewMessage(protocol.TypeList, nil)
				if err != nil {
					return err
				}
				if err := conn.WriteJSON(flush); err != nil {
					return err
				}
			}
			if flushed {
				return nil
			}
		case protocol.TypeShare:
			var ev protocol.ShareEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return fmt.Errorf("decode share: %w", err)
			}
			log.Printf("share from %s: %s %q", ev.DeviceID, ev.Data.Type, ev.Data.Content)
			if cfg.role == "receiver" {
				return nil
			}
		case protocol.TypePair:
			var ev protocol.PairEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return fmt.Errorf("decode pair: %w", err)
			}
			log.Printf("pair request from %s (%s)", ev.Name, ev.DeviceID)
		case protocol.TypeUnpair:
			var ev protocol.UnpairEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return fmt.Errorf("decode unpair: %w", err)
			}
			log.Printf("unpaired by %s (%s)", ev.Name, ev.DeviceID)
		case protocol.TypeError:
			var ev protocol.ErrEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				return fmt.Errorf("decode error frame: %w", err)
			}
			return fmt.Errorf("error frame: %d %s", ev.Code, ev.Code)
		}
	}
}

func pickTarget(devices []protocol.Device, want string) string {
	for _, d := range devices {
		if want == "" || d.DeviceID == want {
			return d.DeviceID
		}
	}
	return ""
}

func sendShare(conn *websocket.Conn, target string, cfg deviceConfig) error {
	msg, err := protocol.NewMessage(protocol.TypeShare, protocol.ShareEvent{
		DeviceID: target,
		Data: protocol.ShareData{
			Type:    protocol.DataType(cfg.dataType),
			Content: cfg.content,
		},
	})
	if err != nil {
		return err
	}
	log.Printf("sharing %s with %s", cfg.dataType, target)
	return conn.WriteJSON(msg)
}
