package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/Shopify/sarama"

	"github.com/syncbridge/syncbridge/internal/event"
)

// Consumer reads the device event feed through a Kafka consumer group and
// feeds normalized events to the router.
//
// Start and Stop are restartable: switching the service out of and back
// into a feed-driven mode stops and resumes consumption on the same group,
// picking up from the committed offsets.
type Consumer struct {
	brokers []string
	topic   string
	groupID string
	router  *Router

	mu      sync.Mutex
	running bool
	group   sarama.ConsumerGroup
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer creates a feed consumer.
func NewConsumer(brokers []string, topic, groupID string, router *Router) *Consumer {
	return &Consumer{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		router:  router,
	}
}

// Start joins the consumer group and begins consuming.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_8_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, cfg)
	if err != nil {
		return fmt.Errorf("failed to join consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.group = group
	c.cancel = cancel
	c.running = true

	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.errorLoop()

	log.Printf("Feed consumer started: topic=%s group=%s brokers=%v", c.topic, c.groupID, c.brokers)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	handler := &groupHandler{router: c.router}
	for {
		// Consume returns on every rebalance; loop until stopped.
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			log.Printf("Feed consume error: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Consumer) errorLoop() {
	defer c.wg.Done()
	for err := range c.group.Errors() {
		log.Printf("Feed consumer group error: %v", err)
	}
}

// Stop leaves the consumer group. Safe to call more than once.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	c.cancel()
	err := c.group.Close()
	c.wg.Wait()

	c.running = false
	c.group = nil
	c.cancel = nil

	log.Printf("Feed consumer stopped: topic=%s group=%s", c.topic, c.groupID)
	return err
}

// Running reports whether the consumer is currently attached to the feed.
func (c *Consumer) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// groupHandler applies one claim's messages in partition order.
type groupHandler struct {
	router *Router
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		raw := event.RawEvent{
			Key:    msg.Key,
			Value:  msg.Value,
			Offset: msg.Offset,
			Time:   msg.Timestamp,
		}

		ev, err := event.Normalize(raw)
		if err != nil {
			// Malformed events are counted and skipped; replaying them
			// would fail identically forever.
			h.router.MarkMalformed()
			log.Printf("Dropping malformed event at %s/%d offset %d: %v", msg.Topic, msg.Partition, msg.Offset, err)
			session.MarkMessage(msg, "")
			continue
		}

		// The offset is only marked once the write is applied and fsynced;
		// a crash in between redelivers the event and dedup drops it.
		h.router.DispatchWait(ev)
		session.MarkMessage(msg, "")
	}
	return nil
}
