// Package influx writes the miner's time series: share outcomes, hashrate
// samples and pool connection events.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names
const (
	MeasurementShares      = "shares"
	MeasurementHashrate    = "hashrate"
	MeasurementConnections = "connections"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Errors exposes asynchronous write failures
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// ShareMetric is one pool verdict on a submitted share
type ShareMetric struct {
	Pool             string
	JobID            string
	Accepted         bool
	Difficulty       uint64
	ActualDifficulty uint64
	Latency          time.Duration
	Time             time.Time
}

// WriteShare writes a share outcome
func (c *Client) WriteShare(m ShareMetric) {
	c.writeAPI.WritePoint(SharePoint(m))
}

// SharePoint builds the point written by WriteShare
func SharePoint(m ShareMetric) *write.Point {
	tags := map[string]string{
		"pool":     m.Pool,
		"accepted": strconv.FormatBool(m.Accepted),
	}

	fields := map[string]interface{}{
		"difficulty":        int64(m.Difficulty),
		"actual_difficulty": int64(m.ActualDifficulty),
		"latency_ms":        m.Latency.Milliseconds(),
		"count":             1,
	}

	return write.NewPoint(MeasurementShares, tags, fields, m.Time)
}

// HashrateMetric is one periodic hashrate sample. Rates are hashes per second.
type HashrateMetric struct {
	Worker     string
	Short      float64
	Medium     float64
	Large      float64
	Highest    float64
	CPUPercent float64
	Time       time.Time
}

// WriteHashrate writes a hashrate sample
func (c *Client) WriteHashrate(m HashrateMetric) {
	c.writeAPI.WritePoint(HashratePoint(m))
}

// HashratePoint builds the point written by WriteHashrate
func HashratePoint(m HashrateMetric) *write.Point {
	tags := map[string]string{
		"worker": m.Worker,
	}

	fields := map[string]interface{}{
		"short":       m.Short,
		"medium":      m.Medium,
		"long":        m.Large,
		"highest":     m.Highest,
		"cpu_percent": m.CPUPercent,
	}

	return write.NewPoint(MeasurementHashrate, tags, fields, m.Time)
}

// WriteConnection writes a pool connection event
func (c *Client) WriteConnection(pool, event string, failures int, at time.Time) {
	c.writeAPI.WritePoint(ConnectionPoint(pool, event, failures, at))
}

// ConnectionPoint builds the point written by WriteConnection
func ConnectionPoint(pool, event string, failures int, at time.Time) *write.Point {
	tags := map[string]string{
		"pool":  pool,
		"event": event,
	}

	fields := map[string]interface{}{
		"failures": failures,
		"count":    1,
	}

	return write.NewPoint(MeasurementConnections, tags, fields, at)
}

// GetShareStats sums accepted and rejected shares of a pool over a period
func (c *Client) GetShareStats(ctx context.Context, pool string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "%s")
		|> filter(fn: (r) => r.pool == "%s")
		|> filter(fn: (r) => r._field == "count")
		|> group(columns: ["accepted"])
		|> sum()
	`, c.bucket, duration.String(), MeasurementShares, pool)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	stats := &ShareStats{}
	for result.Next() {
		record := result.Record()
		if count, ok := record.Value().(int64); ok {
			if record.ValueByKey("accepted") == "true" {
				stats.Accepted = count
			} else {
				stats.Rejected = count
			}
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}

	stats.Total = stats.Accepted + stats.Rejected
	if stats.Total > 0 {
		stats.AcceptedPercent = float64(stats.Accepted) / float64(stats.Total) * 100
	}

	return stats, nil
}

// ShareStats is an aggregated share count
type ShareStats struct {
	Total           int64   `json:"total"`
	Accepted        int64   `json:"accepted"`
	Rejected        int64   `json:"rejected"`
	AcceptedPercent float64 `json:"accepted_percent"`
}
