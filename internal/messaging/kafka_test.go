package messaging

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/network"
	"github.com/bardlex/gominer/pkg/circuit"
	"github.com/bardlex/gominer/pkg/log"
)

var _ network.Reporter = (*Publisher)(nil)

func TestNewKafkaClient(t *testing.T) {
	brokers := []string{"localhost:9092"}

	client := NewKafkaClient(brokers, log.Nop())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}

	if client.logger == nil {
		t.Error("Logger should not be nil")
	}

	if client.writers == nil {
		t.Error("Writers map should not be nil")
	}

	if client.BreakerState() != circuit.StateClosed {
		t.Errorf("breaker state = %v, want closed", client.BreakerState())
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)

	topic := "test-topic"

	producer1 := client.GetProducer(topic)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}

	if producer1.Topic != topic {
		t.Errorf("Expected topic %s, got %s", topic, producer1.Topic)
	}

	producer2 := client.GetProducer(topic)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}

	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_GetConsumer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)

	consumer1 := client.GetConsumer("test-topic", "test-group")
	if consumer1 == nil {
		t.Fatal("GetConsumer returned nil")
	}

	if consumer2 := client.GetConsumer("test-topic", "test-group"); consumer1 != consumer2 {
		t.Error("Expected same consumer instance from cache")
	}

	if consumer3 := client.GetConsumer("test-topic", "different-group"); consumer1 == consumer3 {
		t.Error("Expected different consumer for different group")
	}

	if len(client.readers) != 2 {
		t.Errorf("Expected 2 readers in map, got %d", len(client.readers))
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, nil)

	_ = client.GetProducer("topic1")
	_ = client.GetProducer("topic2")
	_ = client.GetConsumer("topic1", "group1")

	if err := client.Close(); err != nil {
		t.Logf("Close returned error (expected without Kafka): %v", err)
	}

	if len(client.writers) != 0 {
		t.Errorf("Expected 0 writers after close, got %d", len(client.writers))
	}
	if len(client.readers) != 0 {
		t.Errorf("Expected 0 readers after close, got %d", len(client.readers))
	}
}

func TestNewTopics(t *testing.T) {
	tests := []struct {
		prefix string
		want   Topics
	}{
		{"gominer", Topics{Shares: "gominer.shares", Connections: "gominer.connections", Jobs: "gominer.jobs", Hashrate: "gominer.hashrate"}},
		{"", Topics{Shares: "shares", Connections: "connections", Jobs: "jobs", Hashrate: "hashrate"}},
	}

	for _, tt := range tests {
		if got := NewTopics(tt.prefix); got != tt.want {
			t.Errorf("NewTopics(%q) = %+v, want %+v", tt.prefix, got, tt.want)
		}
	}
}

func TestPublisher_Key(t *testing.T) {
	pub := NewPublisher(NewKafkaClient([]string{"localhost:9092"}, nil), "gominer", "rig-1")

	tests := []struct {
		poolID int
		want   string
	}{
		{0, "rig-1/0"},
		{2, "rig-1/2"},
		{-1, "rig-1/-1"},
	}
	for _, tt := range tests {
		if got := pub.key(tt.poolID); got != tt.want {
			t.Errorf("key(%d) = %q, want %q", tt.poolID, got, tt.want)
		}
	}
}

func TestShareMessage(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 500, time.FixedZone("X", 3600))
	msg, err := ShareMessage(network.ShareEvent{
		PoolID:           1,
		Pool:             "pool.example.com:3333",
		JobID:            "job-1",
		Nonce:            "0a000000",
		Digest:           strings.Repeat("ab", 32),
		Difficulty:       1000,
		ActualDifficulty: 2500,
		Accepted:         false,
		Reason:           "Low difficulty share",
		Elapsed:          42 * time.Millisecond,
		Timestamp:        at,
	})
	if err != nil {
		t.Fatalf("ShareMessage() error = %v", err)
	}

	fields := msg.AsMap()
	if fields["kind"] != KindShare {
		t.Errorf("kind = %v", fields["kind"])
	}
	if fields["timestamp"] != "2024-05-01T11:00:00.0000005Z" {
		t.Errorf("timestamp = %v", fields["timestamp"])
	}
	if fields["reason"] != "Low difficulty share" || fields["accepted"] != false {
		t.Errorf("verdict fields = %v, %v", fields["accepted"], fields["reason"])
	}
	if fields["actual_difficulty"] != float64(2500) || fields["elapsed_ms"] != float64(42) {
		t.Errorf("numeric fields = %v, %v", fields["actual_difficulty"], fields["elapsed_ms"])
	}

	// survives the wire
	data, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded structpb.Struct
	if err := proto.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !proto.Equal(msg, &decoded) {
		t.Error("decoded message differs")
	}
}

func TestHashrateMessage(t *testing.T) {
	msg, err := HashrateMessage(network.HashrateEvent{
		Worker:    "rig-1",
		Short:     10,
		Threads:   []float64{4, 6},
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("HashrateMessage() error = %v", err)
	}

	threads := msg.GetFields()["threads"].GetListValue().GetValues()
	if len(threads) != 2 || threads[1].GetNumberValue() != 6 {
		t.Errorf("threads = %v", threads)
	}
}

func TestConnectionAndJobMessages(t *testing.T) {
	conn, err := ConnectionMessage(network.ConnectionEvent{PoolID: -1, Pool: "donate:1", Event: network.EventClose, Failures: -1, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("ConnectionMessage() error = %v", err)
	}
	if conn.AsMap()["failures"] != float64(-1) {
		t.Errorf("failures = %v", conn.AsMap()["failures"])
	}

	job, err := JobMessage(network.JobEvent{PoolID: 0, JobID: "j", Nicehash: true, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("JobMessage() error = %v", err)
	}
	if job.AsMap()["nicehash"] != true {
		t.Errorf("nicehash = %v", job.AsMap()["nicehash"])
	}
}

func TestMessage_InvalidTimestamp(t *testing.T) {
	_, err := ShareMessage(network.ShareEvent{Timestamp: time.Date(10001, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err == nil {
		t.Error("ShareMessage() should reject a timestamp outside the protobuf range")
	}
}

func TestPublisher_Integration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" || testing.Short() {
		t.Skip("KAFKA_BROKERS not set")
	}

	client := NewKafkaClient(strings.Split(brokers, ","), nil)
	defer client.Close()

	prefix := "gominer-test-" + time.Now().Format("150405")
	pub := NewPublisher(client, prefix, "rig-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ev := network.ShareEvent{Pool: "pool.example.com:3333", JobID: "job-1", Accepted: true, Timestamp: time.Now()}
	if err := pub.ShareResult(ctx, ev); err != nil {
		t.Fatalf("ShareResult() error = %v", err)
	}

	var got structpb.Struct
	key, err := client.ConsumeProto(ctx, client.GetConsumer(pub.Topics().Shares, prefix), &got)
	if err != nil {
		t.Fatalf("ConsumeProto() error = %v", err)
	}
	if key != "rig-1/0" {
		t.Errorf("key = %q, want rig-1/0", key)
	}
	if got.AsMap()["job_id"] != "job-1" {
		t.Errorf("job_id = %v", got.AsMap()["job_id"])
	}
}

func BenchmarkShareMessage(b *testing.B) {
	ev := network.ShareEvent{Pool: "pool.example.com:3333", JobID: "job-1", Nonce: "00000001", Timestamp: time.Now()}
	for i := 0; i < b.N; i++ {
		msg, err := ShareMessage(ev)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := proto.Marshal(msg); err != nil {
			b.Fatal(err)
		}
	}
}
