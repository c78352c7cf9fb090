package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mossy-p/meeting-signaling/config"
	"github.com/mossy-p/meeting-signaling/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a meeting has no stored metadata
var ErrNotFound = errors.New("meeting not found")

// Store mirrors hub membership into Redis and keeps reserved meeting metadata.
//
// Keys:
//
//	meeting:<id>              JSON models.MeetingMetadata
//	meeting:<id>:participants set of participant IDs currently connected
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client and verifies the connection
func Connect(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewStore(client, ttl), nil
}

// NewStore wraps an existing client
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func metadataKey(meetingID string) string {
	return "meeting:" + meetingID
}

func participantsKey(meetingID string) string {
	return "meeting:" + meetingID + ":participants"
}

// MemberJoined records a participant in the meeting's presence set
func (s *Store) MemberJoined(ctx context.Context, meetingID string, p models.Participant) error {
	key := participantsKey(meetingID)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, p.ID)
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MemberLeft removes a participant and drops the set once the meeting is empty
func (s *Store) MemberLeft(ctx context.Context, meetingID, participantID string, meetingEmpty bool) error {
	key := participantsKey(meetingID)
	if meetingEmpty {
		return s.client.Del(ctx, key).Err()
	}
	return s.client.SRem(ctx, key, participantID).Err()
}

// SaveMeeting stores metadata for a reserved meeting
func (s *Store) SaveMeeting(ctx context.Context, meta models.MeetingMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, metadataKey(meta.ID), data, s.ttl).Err()
}

// Meeting loads stored metadata
func (s *Store) Meeting(ctx context.Context, meetingID string) (*models.MeetingMetadata, error) {
	data, err := s.client.Get(ctx, metadataKey(meetingID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var meta models.MeetingMetadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meeting data: %w", err)
	}
	return &meta, nil
}

// DeleteMeeting removes metadata and presence for a meeting
func (s *Store) DeleteMeeting(ctx context.Context, meetingID string) error {
	return s.client.Del(ctx, metadataKey(meetingID), participantsKey(meetingID)).Err()
}
