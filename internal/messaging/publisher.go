package messaging

import (
	"context"
	"strconv"

	"github.com/bardlex/gominer/internal/network"
)

// Publisher streams network events to Kafka. It implements network.Reporter.
type Publisher struct {
	client *KafkaClient
	topics Topics
	worker string
}

// NewPublisher creates a publisher writing to the topics under prefix.
// worker keys connection and job messages so one rig's events stay ordered.
func NewPublisher(client *KafkaClient, prefix, worker string) *Publisher {
	return &Publisher{
		client: client,
		topics: NewTopics(prefix),
		worker: worker,
	}
}

// Topics returns the topic names in use
func (p *Publisher) Topics() Topics {
	return p.topics
}

// ShareResult publishes a share outcome keyed by worker and pool
func (p *Publisher) ShareResult(ctx context.Context, ev network.ShareEvent) error {
	msg, err := ShareMessage(ev)
	if err != nil {
		return err
	}
	return p.client.PublishProto(ctx, p.topics.Shares, p.key(ev.PoolID), ev.Timestamp, msg)
}

// Connection publishes a pool connection event
func (p *Publisher) Connection(ctx context.Context, ev network.ConnectionEvent) error {
	msg, err := ConnectionMessage(ev)
	if err != nil {
		return err
	}
	return p.client.PublishProto(ctx, p.topics.Connections, p.key(ev.PoolID), ev.Timestamp, msg)
}

// Job publishes the job handed to the workers
func (p *Publisher) Job(ctx context.Context, ev network.JobEvent) error {
	msg, err := JobMessage(ev)
	if err != nil {
		return err
	}
	return p.client.PublishProto(ctx, p.topics.Jobs, p.key(ev.PoolID), ev.Timestamp, msg)
}

// Hashrate publishes a hashrate sample keyed by worker
func (p *Publisher) Hashrate(ctx context.Context, ev network.HashrateEvent) error {
	msg, err := HashrateMessage(ev)
	if err != nil {
		return err
	}
	return p.client.PublishProto(ctx, p.topics.Hashrate, ev.Worker, ev.Timestamp, msg)
}

// key orders one pool's events for one miner on a single partition
func (p *Publisher) key(poolID int) string {
	return p.worker + "/" + strconv.Itoa(poolID)
}
