package profilestate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"behaviorwatch/pkg/models"
)

// RedisConfig configures Redis access for risk snapshots.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds how long a subject hash outlives its last snapshot.
	TTL time.Duration
}

// RedisStore publishes per-subject risk summaries so other services can
// read them without talking to the engine.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a Redis-backed snapshot store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis profile-state: %w", err)
	}

	return newStore(client, cfg.KeyPrefix, cfg.TTL), nil
}

func newStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "behaviorwatch:profiles"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// WriteProfiles replaces the risk ranking with rows and refreshes each subject hash.
func (s *RedisStore) WriteProfiles(ctx context.Context, rows []models.SubjectRisk) error {
	if len(rows) == 0 {
		return nil
	}
	nowUnix := strconv.FormatInt(time.Now().Unix(), 10)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.riskSetKey())
	members := make([]redis.Z, 0, len(rows))
	for _, row := range rows {
		subject := strings.TrimSpace(row.SubjectID)
		if subject == "" {
			continue
		}
		key := s.subjectKey(subject)
		pipe.HSet(ctx, key, subjectFields(row, nowUnix)...)
		pipe.Expire(ctx, key, s.ttl)
		members = append(members, redis.Z{Score: float64(row.RiskScore), Member: subject})
	}
	if len(members) > 0 {
		pipe.ZAdd(ctx, s.riskSetKey(), members...)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update profile-state redis keys: %w", err)
	}
	return nil
}

// TopRisk returns up to limit subjects from the last snapshot, riskiest first.
func (s *RedisStore) TopRisk(ctx context.Context, limit int64) ([]models.SubjectRisk, error) {
	if limit <= 0 {
		limit = 20
	}
	members, err := s.client.ZRevRangeWithScores(ctx, s.riskSetKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read risk ranking: %w", err)
	}

	out := make([]models.SubjectRisk, 0, len(members))
	for _, z := range members {
		subject, ok := z.Member.(string)
		if !ok || subject == "" {
			continue
		}
		hash, err := s.client.HGetAll(ctx, s.subjectKey(subject)).Result()
		if err != nil {
			return nil, fmt.Errorf("read subject %s: %w", subject, err)
		}
		row := decodeSubject(hash)
		row.SubjectID = subject
		row.RiskScore = int(z.Score)
		out = append(out, row)
	}
	return out, nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) subjectKey(subject string) string {
	return s.prefix + ":subject:" + subject
}

func (s *RedisStore) riskSetKey() string {
	return s.prefix + ":risk"
}

func subjectFields(row models.SubjectRisk, updatedAt string) []interface{} {
	last := ""
	if !row.LastActivity.IsZero() {
		last = strconv.FormatInt(row.LastActivity.Unix(), 10)
	}
	return []interface{}{
		"risk_score", strconv.Itoa(row.RiskScore),
		"open_anomalies", strconv.Itoa(row.OpenAnomalies),
		"last_activity", last,
		"updated_at", updatedAt,
	}
}

func decodeSubject(hash map[string]string) models.SubjectRisk {
	var row models.SubjectRisk
	row.RiskScore, _ = strconv.Atoi(hash["risk_score"])
	row.OpenAnomalies, _ = strconv.Atoi(hash["open_anomalies"])
	if unix, err := strconv.ParseInt(hash["last_activity"], 10, 64); err == nil && unix > 0 {
		row.LastActivity = time.Unix(unix, 0).UTC()
	}
	return row
}
