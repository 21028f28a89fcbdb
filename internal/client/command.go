package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"telegate/internal/constants"
	"telegate/internal/dispatch"
	"telegate/internal/protocol"
	"telegate/internal/types"
	"telegate/internal/utils"
)

// ParseCommandArg reads a command given on the command line. A JSON
// object becomes a structured command, anything else is sent as text.
func ParseCommandArg(arg string) protocol.Command {
	arg = strings.TrimSpace(arg)
	if strings.HasPrefix(arg, "{") && json.Valid([]byte(arg)) {
		return protocol.Command{Payload: json.RawMessage(arg)}
	}
	return protocol.Command{Text: arg}
}

// SendCommand posts a command to the gateway's HTTP API. A command that
// parses as a JSON object is sent structured, anything else as text.
func SendCommand(ctx context.Context, serverURL, target, command string) (*types.CommandResponse, error) {
	serverURL, skipVerify := utils.NormalizeServerURL(serverURL)

	cmd := ParseCommandArg(command)
	raw := cmd.Payload
	if cmd.Text != "" {
		raw, _ = json.Marshal(cmd.Text)
	}
	body, err := json.Marshal(types.CommandRequest{Command: raw, Target: target})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+constants.EndpointCommand, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	if skipVerify {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e types.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, e.Error)
	}

	var out types.CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// PublishCommand sends a command through the gateway's Redis channel.
func PublishCommand(ctx context.Context, addr, password, channel, target, command string) error {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	defer rdb.Close()

	cmd := ParseCommandArg(command)
	if channel == "" {
		channel = constants.DefaultCommandChannel
	}
	return dispatch.PublishCommand(ctx, rdb, channel, target, cmd)
}
