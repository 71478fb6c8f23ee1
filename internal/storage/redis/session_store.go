package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goodtune/playgate/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	saveSession        = redis.NewScript(saveSessionScript)
	removeSessionField = redis.NewScript(removeSessionFieldsScript)
	addCompletedLevel  = redis.NewScript(addCompletedLevelScript)
)

type sessionStore struct {
	client     *redis.Client
	ttlSeconds int64
}

// Load returns all stored fields of a session
func (s *sessionStore) Load(ctx context.Context, id string) (map[string]string, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return data, nil
}

// Save writes fields and refreshes the session lifetime
func (s *sessionStore) Save(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 1+2*len(fields))
	args = append(args, s.ttlSeconds)
	for k, v := range fields {
		args = append(args, k, v)
	}

	keys := []string{sessionKey(id), levelsKey(id)}
	if err := saveSession.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("failed to save session %s: %w", id, err)
	}

	return nil
}

// Remove deletes the named fields from a session
func (s *sessionStore) Remove(ctx context.Context, id string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}

	args := make([]interface{}, 0, 1+len(fields))
	args = append(args, s.ttlSeconds)
	for _, f := range fields {
		args = append(args, f)
	}

	return removeSessionField.Run(ctx, s.client, []string{sessionKey(id)}, args...).Err()
}

// Clear removes the session and its completed-levels set
func (s *sessionStore) Clear(ctx context.Context, id string) error {
	return s.client.Del(ctx, sessionKey(id), levelsKey(id)).Err()
}

// AddCompletedLevel records a level as completed for this session
func (s *sessionStore) AddCompletedLevel(ctx context.Context, id string, level int) error {
	keys := []string{levelsKey(id), sessionKey(id)}
	args := []interface{}{strconv.Itoa(level), s.ttlSeconds}

	return addCompletedLevel.Run(ctx, s.client, keys, args...).Err()
}

// CompletedLevels returns the completed levels in ascending order
func (s *sessionStore) CompletedLevels(ctx context.Context, id string) ([]int, error) {
	members, err := s.client.SMembers(ctx, levelsKey(id)).Result()
	if err != nil {
		return nil, err
	}

	return parseLevels(members)
}
