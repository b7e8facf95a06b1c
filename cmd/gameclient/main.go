// gameclient is a manual smoke client: it dials a node's gateway, walks the
// login flow and prints every reply. Point it at a freshly started gamenode.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/liuxiao2015/gamecore/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7100", "gateway TCP address")
	account := flag.String("account", "smoketest", "account login")
	password := flag.String("password", "secret123", "account password")
	roleID := flag.Int64("role", 0, "role id to enter the world with (0 skips enter_game)")
	flag.Parse()

	if err := run(*addr, *account, *password, *roleID); err != nil {
		slog.Error("smoke test failed", "err", err)
		os.Exit(1)
	}
}

func run(addr, account, password string, roleID int64) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}
	defer conn.Close()
	fmt.Println("connected to", addr)

	dec := protocol.NewReplyDecoder(conn)
	seq := uint32(0)

	call := func(name string, id uint16, body any) (protocol.GameMessage, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return protocol.GameMessage{}, fmt.Errorf("encoding %s: %w", name, err)
		}
		seq++
		frame, err := protocol.Encode(protocol.NewRequest(id, seq, payload))
		if err != nil {
			return protocol.GameMessage{}, fmt.Errorf("framing %s: %w", name, err)
		}
		if _, err := conn.Write(frame); err != nil {
			return protocol.GameMessage{}, fmt.Errorf("sending %s: %w", name, err)
		}
		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return protocol.GameMessage{}, err
		}
		msg, err := dec.Decode()
		if err != nil {
			return protocol.GameMessage{}, fmt.Errorf("reading %s reply: %w", name, err)
		}
		if msg.ErrorCode != 0 {
			return msg, fmt.Errorf("%s rejected: code %d (%s)", name, msg.ErrorCode, msg.Payload)
		}
		fmt.Printf("%s ok: %s\n", name, msg.Payload)
		return msg, nil
	}

	hsRes, err := call("handshake", protocol.IDHandshake, map[string]any{
		"client_version": "1.0.0",
		"platform":       "cli",
		"device_id":      "gameclient",
	})
	if err != nil {
		return err
	}
	var hs struct {
		SessionKey string `json:"session_key"`
		NeedUpdate bool   `json:"need_update"`
	}
	if err := json.Unmarshal(hsRes.Payload, &hs); err != nil {
		return fmt.Errorf("decoding handshake reply: %w", err)
	}
	if hs.NeedUpdate {
		fmt.Println("server flags this client version as outdated")
	}

	if _, err := call("login", protocol.IDLogin, map[string]any{
		"account":  account,
		"password": password,
	}); err != nil {
		return err
	}

	if _, err := call("heartbeat", protocol.IDHeartbeat, map[string]any{
		"client_time": time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	if roleID > 0 {
		if _, err := call("enter_game", protocol.IDEnterGame, map[string]any{
			"role_id":   roleID,
			"role_name": account,
			"server_id": 1,
		}); err != nil {
			return err
		}
	}

	if _, err := call("logout", protocol.IDLogout, struct{}{}); err != nil {
		return err
	}
	fmt.Println("smoke test passed")
	return nil
}
