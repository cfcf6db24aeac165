package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/commitledger/agent-gateway/internal/model"
)

const (
	// StreamName is the JetStream stream holding all message rows.
	StreamName = "CONVERSATIONS"

	// BucketName is the KV bucket holding conversation records.
	BucketName = "conversations"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"
)

// Store is the persistence contract the gateway depends on.
type Store interface {
	// GetOrCreateConversation returns the conversation with the given id,
	// creating it if absent. An empty id asks the store to mint one.
	GetOrCreateConversation(ctx context.Context, id, workspaceID, title string) (*model.Conversation, error)

	// AppendMessage persists one message row. Rows are append-only.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// RecentMessages returns up to limit of the newest rows of a
	// conversation in chronological order.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error)
}

// JetStreamStore implements Store over a NATS JetStream stream and KV
// bucket.
type JetStreamStore struct {
	client *Client
	kv     jetstream.KeyValue
}

// NewJetStreamStore ensures the stream and bucket exist and returns the
// store.
func NewJetStreamStore(ctx context.Context, client *Client) (*JetStreamStore, error) {
	js := client.JetStream()

	if _, err := js.Stream(ctx, StreamName); err != nil {
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      365 * 24 * time.Hour,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			DenyDelete:  true,
			DenyPurge:   true,
			Description: "All conversation message rows",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream: %w", err)
		}
	}

	kv, err := js.KeyValue(ctx, BucketName)
	if err != nil {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      BucketName,
			Description: "Conversation records",
			History:     1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create KV bucket: %w", err)
		}
	}

	return &JetStreamStore{client: client, kv: kv}, nil
}

// MessageSubject returns the stream subject for a message row.
func MessageSubject(conversationID string, role model.Role) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, subjectToken(conversationID), role)
}

// conversationFilter matches every message row of one conversation.
func conversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, subjectToken(conversationID))
}

// GetOrCreateConversation implements Store.
func (s *JetStreamStore) GetOrCreateConversation(ctx context.Context, id, workspaceID, title string) (*model.Conversation, error) {
	if id != "" {
		entry, err := s.kv.Get(ctx, kvKey(id))
		if err == nil {
			var conv model.Conversation
			if err := json.Unmarshal(entry.Value(), &conv); err != nil {
				return nil, fmt.Errorf("decode conversation %s: %w", id, err)
			}
			return &conv, nil
		}
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("get conversation %s: %w", id, err)
		}
	} else {
		id = uuid.Must(uuid.NewV7()).String()
	}

	now := time.Now()
	conv := &model.Conversation{
		ID:          id,
		WorkspaceID: workspaceID,
		Title:       title,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}
	if _, err := s.kv.Create(ctx, kvKey(id), data); err != nil {
		// Lost a create race; the winner's record is authoritative.
		if errors.Is(err, jetstream.ErrKeyExists) {
			entry, getErr := s.kv.Get(ctx, kvKey(id))
			if getErr != nil {
				return nil, fmt.Errorf("get conversation after create race: %w", getErr)
			}
			var existing model.Conversation
			if err := json.Unmarshal(entry.Value(), &existing); err != nil {
				return nil, fmt.Errorf("decode conversation %s: %w", id, err)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("create conversation %s: %w", id, err)
	}

	return conv, nil
}

// AppendMessage implements Store.
func (s *JetStreamStore) AppendMessage(ctx context.Context, msg *model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	subject := MessageSubject(msg.ConversationID, msg.Role)
	if _, err := s.client.JetStream().Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// RecentMessages implements Store. The stream is consumed from the start
// with an ephemeral consumer; only the trailing window of limit rows is
// retained.
func (s *JetStreamStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := s.client.JetStream().CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: conversationFilter(conversationID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	var window []model.Message
	for {
		batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("fetch messages: %w", err)
		}

		got := 0
		for raw := range batch.Messages() {
			got++
			var msg model.Message
			if err := json.Unmarshal(raw.Data(), &msg); err != nil {
				continue
			}
			window = append(window, msg)
			if len(window) > limit {
				window = window[1:]
			}
		}
		if batch.Error() != nil && !errors.Is(batch.Error(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", batch.Error())
		}
		if got < limit {
			break
		}
	}

	return window, nil
}

// subjectReplacer strips the characters NATS treats as token separators or
// wildcards. Minted ids are UUIDs and pass through unchanged; only
// client-supplied ids need cleaning.
var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// subjectToken sanitizes a conversation id into a single subject token.
func subjectToken(id string) string {
	return subjectReplacer.Replace(id)
}

// kvKey sanitizes a conversation id into a KV key. JetStream keys cannot
// contain dots.
func kvKey(id string) string {
	return subjectToken(id)
}
