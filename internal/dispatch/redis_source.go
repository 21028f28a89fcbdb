package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"telegate/internal/config"
	"telegate/internal/constants"
	"telegate/internal/protocol"
)

var ErrEmptyCommand = errors.New("command is required")

// Message is the pub/sub wire format for operator commands.
type Message struct {
	Target  string          `json:"target,omitempty"`
	Command json.RawMessage `json:"command"`
}

// ParseMessage decodes a pub/sub payload. Payloads that are not JSON
// objects are broadcast verbatim as text commands.
func ParseMessage(payload []byte) (string, protocol.Command, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return "", protocol.Command{}, ErrEmptyCommand
	}
	if trimmed[0] != '{' {
		return Broadcast, protocol.Command{Text: string(trimmed)}, nil
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return "", protocol.Command{}, fmt.Errorf("invalid command message: %w", err)
	}
	cmd, _ := protocol.ParseCommand(msg.Command)
	if cmd.IsZero() {
		return "", protocol.Command{}, ErrEmptyCommand
	}
	return msg.Target, cmd, nil
}

// RedisSource subscribes to a Redis channel and submits every message it
// receives as a command.
type RedisSource struct {
	client  *redis.Client
	channel string
}

func NewRedisSource(cfg config.RedisConfig) (*RedisSource, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	channel := cfg.Channel
	if channel == "" {
		channel = constants.DefaultCommandChannel
	}
	return &RedisSource{client: client, channel: channel}, nil
}

// Run consumes the channel until ctx is cancelled or the subscription
// fails. Bad messages are logged and skipped.
func (rs *RedisSource) Run(ctx context.Context, sub Submitter) error {
	pubsub := rs.client.Subscribe(ctx, rs.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", rs.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			rs.handle(sub, msg.Payload)
		}
	}
}

func (rs *RedisSource) handle(sub Submitter, payload string) {
	target, cmd, err := ParseMessage([]byte(payload))
	if err != nil {
		log.Printf("⚠️  Ignoring command message on %s: %v", rs.channel, err)
		return
	}
	if _, err := sub.Submit(target, cmd); err != nil {
		log.Printf("⚠️  Command for %s not delivered: %v", target, err)
	}
}

func (rs *RedisSource) Close() error {
	return rs.client.Close()
}

// PublishCommand publishes one command message on channel.
func PublishCommand(ctx context.Context, client redis.UniversalClient, channel, target string, cmd protocol.Command) error {
	raw := cmd.Payload
	if cmd.Text != "" {
		raw, _ = json.Marshal(cmd.Text)
	}
	data, err := json.Marshal(Message{Target: target, Command: raw})
	if err != nil {
		return err
	}
	return client.Publish(ctx, channel, data).Err()
}
