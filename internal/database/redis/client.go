// Package redis keeps the miner's live state in Redis: share counters per
// pool, the job being mined and recent hashrate samples.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	currentJobKey = "current_job"

	// DefaultHashrateWindow is how long hashrate samples are kept
	DefaultHashrateWindow = time.Hour
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb    *redis.Client
	window time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	URL            string
	PoolSize       int
	MaxRetries     int
	DialTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	HashrateWindow time.Duration
}

// NewClient creates a new Redis client from a redis:// URL
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	window := cfg.HashrateWindow
	if window <= 0 {
		window = DefaultHashrateWindow
	}

	return &Client{rdb: rdb, window: window}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ShareKey is the counter key for a pool's accepted or rejected shares
func ShareKey(pool string, accepted bool) string {
	if accepted {
		return fmt.Sprintf("shares:%s:accepted", pool)
	}
	return fmt.Sprintf("shares:%s:rejected", pool)
}

// HashrateKey is the sorted set holding a worker's hashrate samples
func HashrateKey(worker string) string {
	return fmt.Sprintf("hashrate:%s", worker)
}

// IncrementShares bumps a pool's accepted or rejected counter
func (c *Client) IncrementShares(ctx context.Context, pool string, accepted bool) (int64, error) {
	val, err := c.rdb.Incr(ctx, ShareKey(pool, accepted)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment share counter: %w", err)
	}
	return val, nil
}

// GetShares returns a pool's accepted and rejected counters
func (c *Client) GetShares(ctx context.Context, pool string) (accepted, rejected int64, err error) {
	if accepted, err = c.getCounter(ctx, ShareKey(pool, true)); err != nil {
		return 0, 0, err
	}
	if rejected, err = c.getCounter(ctx, ShareKey(pool, false)); err != nil {
		return 0, 0, err
	}
	return accepted, rejected, nil
}

func (c *Client) getCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// CurrentJob is the cached description of the job being mined
type CurrentJob struct {
	Pool       string    `json:"pool"`
	PoolID     int       `json:"pool_id"`
	JobID      string    `json:"job_id"`
	Difficulty uint64    `json:"difficulty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SetCurrentJob stores the job being mined
func (c *Client) SetCurrentJob(ctx context.Context, job CurrentJob) error {
	jsonData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	if err := c.rdb.Set(ctx, currentJobKey, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}

	return nil
}

// GetCurrentJob retrieves the job being mined
func (c *Client) GetCurrentJob(ctx context.Context) (*CurrentJob, error) {
	jsonData, err := c.rdb.Get(ctx, currentJobKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("no current job")
		}
		return nil, fmt.Errorf("failed to get current job: %w", err)
	}

	var job CurrentJob
	if err := json.Unmarshal([]byte(jsonData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job data: %w", err)
	}

	return &job, nil
}

// AddHashrate stores a hashrate sample and trims samples older than the window
func (c *Client) AddHashrate(ctx context.Context, worker string, hashrate float64, at time.Time) error {
	key := HashrateKey(worker)
	timestamp := at.Unix()

	// the member carries the timestamp so equal rates do not collapse
	member := redis.Z{
		Score:  float64(timestamp),
		Member: fmt.Sprintf("%d:%s", timestamp, strconv.FormatFloat(hashrate, 'f', 2, 64)),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(timestamp-int64(c.window.Seconds()), 10))
	pipe.Expire(ctx, key, c.window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hashrate: %w", err)
	}

	return nil
}

// GetAverageHashrate averages a worker's samples over a time window
func (c *Client) GetAverageHashrate(ctx context.Context, worker string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, HashrateKey(worker), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

// averageSamples parses "<unix>:<rate>" members and averages the rates
func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		_, rate, ok := strings.Cut(val, ":")
		if !ok {
			continue
		}
		if v, err := strconv.ParseFloat(rate, 64); err == nil {
			total += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}
