package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/gominer/internal/network"
	"github.com/bardlex/gominer/pkg/errors"
)

// Event kinds carried in the "kind" field of every message
const (
	KindShare      = "share"
	KindConnection = "connection"
	KindJob        = "job"
	KindHashrate   = "hashrate"
)

// ShareMessage encodes a share outcome
func ShareMessage(ev network.ShareEvent) (*structpb.Struct, error) {
	return newMessage(KindShare, ev.Timestamp, map[string]any{
		"pool_id":           ev.PoolID,
		"pool":              ev.Pool,
		"job_id":            ev.JobID,
		"nonce":             ev.Nonce,
		"result":            ev.Digest,
		"difficulty":        float64(ev.Difficulty),
		"actual_difficulty": float64(ev.ActualDifficulty),
		"accepted":          ev.Accepted,
		"reason":            ev.Reason,
		"elapsed_ms":        ev.Elapsed.Milliseconds(),
	})
}

// ConnectionMessage encodes a pool connection event
func ConnectionMessage(ev network.ConnectionEvent) (*structpb.Struct, error) {
	return newMessage(KindConnection, ev.Timestamp, map[string]any{
		"pool_id":  ev.PoolID,
		"pool":     ev.Pool,
		"event":    ev.Event,
		"failures": ev.Failures,
		"message":  ev.Message,
	})
}

// JobMessage encodes a job handed to the workers
func JobMessage(ev network.JobEvent) (*structpb.Struct, error) {
	return newMessage(KindJob, ev.Timestamp, map[string]any{
		"pool_id":    ev.PoolID,
		"pool":       ev.Pool,
		"job_id":     ev.JobID,
		"difficulty": float64(ev.Difficulty),
		"nicehash":   ev.Nicehash,
	})
}

// HashrateMessage encodes a hashrate sample
func HashrateMessage(ev network.HashrateEvent) (*structpb.Struct, error) {
	threads := make([]any, len(ev.Threads))
	for i, rate := range ev.Threads {
		threads[i] = rate
	}
	return newMessage(KindHashrate, ev.Timestamp, map[string]any{
		"worker":      ev.Worker,
		"short":       ev.Short,
		"medium":      ev.Medium,
		"long":        ev.Large,
		"highest":     ev.Highest,
		"cpu_percent": ev.CPUPercent,
		"threads":     threads,
	})
}

// newMessage adds the kind and an RFC 3339 UTC timestamp to fields
func newMessage(kind string, at time.Time, fields map[string]any) (*structpb.Struct, error) {
	ts := timestamppb.New(at)
	if err := ts.CheckValid(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_event", "invalid timestamp").
			WithContext("kind", kind)
	}

	fields["kind"] = kind
	fields["timestamp"] = ts.AsTime().Format(time.RFC3339Nano)

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "encode_event", "failed to build message").
			WithContext("kind", kind)
	}
	return msg, nil
}
