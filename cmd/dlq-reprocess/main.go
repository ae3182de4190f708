// Команда dlq-reprocess возвращает события заказов, осевшие в dead
// letter queue, обратно в рабочий топик. По умолчанию — dry-run: тул
// только показывает, какие события ушли бы на повторную доставку.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/shop/internal/messaging/kafka"
)

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventType   string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// recoveredEvent — событие, восстановленное из dead letter и готовое к
// повторной отправке.
type recoveredEvent struct {
	topic     string
	key       string
	eventType string
	value     []byte
}

// consumerDeadLetter — формат, в котором consumer хоронит необработанное
// сообщение: оригинал лежит внутри as-is.
type consumerDeadLetter struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// eventEnvelope — конверт, в котором producer публикует события outbox.
type eventEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

// failedPublication — payload dead letter от outbox-воркера: исходное
// событие плюс атрибуция к записи outbox.
type failedPublication struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type requeueEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type eventPublisher interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

var connectBroker = func(cfg config) (offsetClient, partitionConsumerSource, eventPublisher, error) {
	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, consumerConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}

	rawConsumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	consumer := saramaConsumerAdapter{consumer: rawConsumer}

	// Dry-run обходится без producer: ничего не публикуем.
	if !cfg.execute {
		return client, consumer, nil, nil
	}

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Retry.Max = 5
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Compression = sarama.CompressionSnappy
	producerConfig.Producer.Idempotent = true
	producerConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.brokers, producerConfig)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return client, consumer, producer, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	if err := run(context.Background(), cfg); err != nil {
		fail("dead letter requeue failed: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to drain")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic to requeue recovered events into")
	flag.StringVar(&cfg.eventType, "event-type", "", "requeue only events of this type (e.g. order.created); empty requeues all")
	flag.IntVar(&cfg.limit, "limit", defaultScanLimit, "max dead letters to scan per run")
	flag.BoolVar(&cfg.execute, "execute", false, "actually requeue; default is dry-run")
	flag.BoolVar(&cfg.fromNewest, "from-newest", false, "scan latest dead letters first (bounded by limit)")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "idle timeout per partition")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return config{}, fmt.Errorf("target-topic is required")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"event_type":   cfg.eventType,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
		"from_newest":  cfg.fromNewest,
	}).Info("requeueing order events from dead letter queue")

	client, consumer, producer, err := connectBroker(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if producer != nil {
			_ = producer.Close()
		}
		if consumer != nil {
			_ = consumer.Close()
		}
		if client != nil {
			_ = client.Close()
		}
	}()

	return requeueDeadLetters(ctx, cfg, client, consumer, producer)
}

func requeueDeadLetters(ctx context.Context, cfg config, client offsetClient, consumer partitionConsumerSource, producer eventPublisher) error {
	if client == nil || consumer == nil {
		return fmt.Errorf("kafka client and consumer are required")
	}
	if cfg.execute && producer == nil {
		return fmt.Errorf("producer is required in execute mode")
	}

	partitions, err := client.Partitions(cfg.sourceTopic)
	if err != nil {
		return fmt.Errorf("get partitions for topic %s: %w", cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		log.WithField("topic", cfg.sourceTopic).Warn("dead letter topic has no partitions")
		return nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	total := newDrainStats()
	for _, partition := range partitions {
		if total.scanned >= cfg.limit {
			break
		}

		budget := cfg.limit - total.scanned
		stats, err := drainPartition(ctx, consumer, client, producer, cfg, partition, budget)
		if err != nil {
			return err
		}
		total.merge(stats)
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}

	log.WithFields(log.Fields{
		"mode":          mode,
		"scanned":       total.scanned,
		"requeued":      total.requeued,
		"skipped":       total.skipped,
		"by_event_type": total.eventTypeSummary(),
	}).Info("dead letter requeue complete")

	return nil
}

// drainStats — счётчики одного прогона, с разбивкой requeue по типу события.
type drainStats struct {
	scanned  int
	requeued int
	skipped  int
	byType   map[string]int
}

func newDrainStats() drainStats {
	return drainStats{byType: make(map[string]int)}
}

func (s *drainStats) noteSkipped() {
	s.scanned++
	s.skipped++
}

func (s *drainStats) noteRequeued(eventType string) {
	s.scanned++
	s.requeued++
	if eventType == "" {
		eventType = "unknown"
	}
	s.byType[eventType]++
}

func (s *drainStats) merge(other drainStats) {
	s.scanned += other.scanned
	s.requeued += other.requeued
	s.skipped += other.skipped
	for eventType, count := range other.byType {
		s.byType[eventType] += count
	}
}

// eventTypeSummary сводит разбивку по типам в стабильную строку для лога,
// например "order.created=3 order.confirmed=1".
func (s *drainStats) eventTypeSummary() string {
	if len(s.byType) == 0 {
		return "none"
	}

	types := make([]string, 0, len(s.byType))
	for eventType := range s.byType {
		types = append(types, eventType)
	}
	sort.Strings(types)

	parts := make([]string, 0, len(types))
	for _, eventType := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", eventType, s.byType[eventType]))
	}
	return strings.Join(parts, " ")
}

func drainPartition(
	ctx context.Context,
	consumer partitionConsumerSource,
	client offsetClient,
	producer eventPublisher,
	cfg config,
	partition int32,
	budget int,
) (drainStats, error) {
	stats := newDrainStats()
	if budget <= 0 {
		return stats, nil
	}

	earliest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	latest, err := client.GetOffset(cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if latest <= earliest {
		return stats, nil
	}

	from := earliest
	if cfg.fromNewest {
		from = latest - int64(budget)
		if from < earliest {
			from = earliest
		}
	}

	pc, err := consumer.ConsumePartition(cfg.sourceTopic, partition, from)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	// Сканируем только те dead letters, что существовали на момент старта:
	// всё, что прилетит позже latest, подберёт следующий прогон.
	idleTimer := time.NewTimer(cfg.idleTimeout)
	defer idleTimer.Stop()

	for stats.scanned < budget {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case err := <-pc.Errors():
			if err != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, err)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}

			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(cfg.idleTimeout)

			if msg.Offset >= latest {
				return stats, nil
			}

			event, ok, err := recoverEvent(msg, cfg.targetTopic)
			if err != nil {
				stats.noteSkipped()
				log.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("dead letter is not replayable, skipping")
				continue
			}
			if !ok {
				stats.noteSkipped()
				continue
			}

			if cfg.eventType != "" && event.eventType != cfg.eventType {
				stats.noteSkipped()
				continue
			}

			if cfg.execute {
				if err := resendEvent(producer, event); err != nil {
					return stats, fmt.Errorf("requeue event: %w", err)
				}
			} else {
				log.WithFields(log.Fields{
					"partition":    msg.Partition,
					"offset":       msg.Offset,
					"target_topic": event.topic,
					"key":          event.key,
					"event_type":   event.eventType,
				}).Info("would requeue order event")
			}
			stats.noteRequeued(event.eventType)

			if msg.Offset+1 >= latest {
				return stats, nil
			}
		case <-idleTimer.C:
			return stats, nil
		}
	}

	return stats, nil
}

func resendEvent(producer eventPublisher, event recoveredEvent) error {
	if producer == nil {
		return fmt.Errorf("producer is nil")
	}

	msg := &sarama.ProducerMessage{
		Topic:     event.topic,
		Key:       sarama.StringEncoder(event.key),
		Value:     sarama.ByteEncoder(event.value),
		Timestamp: time.Now().UTC(),
	}

	_, _, err := producer.SendMessage(msg)
	return err
}

// recoverEvent разбирает запись dead letter. Consumer хоронит оригинал
// нетронутым, его можно вернуть как есть; outbox-воркер заворачивает
// исходное событие в payload, его приходится пересобирать в конверт.
func recoverEvent(msg *sarama.ConsumerMessage, fallbackTopic string) (recoveredEvent, bool, error) {
	var deadLetter consumerDeadLetter
	if err := json.Unmarshal(msg.Value, &deadLetter); err == nil && deadLetter.OriginalValue != "" {
		topic := strings.TrimSpace(deadLetter.OriginalTopic)
		if topic == "" {
			topic = fallbackTopic
		}
		return recoveredEvent{
			topic:     topic,
			key:       deadLetter.OriginalKey,
			eventType: peekEventType([]byte(deadLetter.OriginalValue)),
			value:     []byte(deadLetter.OriginalValue),
		}, true, nil
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return recoveredEvent{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return recoveredEvent{}, false, nil
	}

	var failed failedPublication
	if err := json.Unmarshal(envelope.Payload, &failed); err != nil {
		return recoveredEvent{}, false, fmt.Errorf("decode failed publication: %w", err)
	}
	if len(failed.Payload) == 0 {
		return recoveredEvent{}, false, fmt.Errorf("dead letter lacks the original event payload")
	}

	requeue := requeueEnvelope{
		ID:            coalesce(failed.OutboxID, envelope.ID),
		AggregateType: coalesce(failed.AggregateType, envelope.AggregateType),
		AggregateID:   coalesce(failed.AggregateID, envelope.AggregateID),
		EventType:     coalesce(failed.EventType, envelope.EventType),
		Payload:       failed.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(requeue)
	if err != nil {
		return recoveredEvent{}, false, fmt.Errorf("encode requeue envelope: %w", err)
	}

	key := requeue.AggregateID
	if key == "" {
		key = requeue.ID
	}

	return recoveredEvent{
		topic:     fallbackTopic,
		key:       key,
		eventType: requeue.EventType,
		value:     encoded,
	}, true, nil
}

// peekEventType достаёт event_type из сырого события consumer-DLQ,
// где тип не продублирован на уровне конверта.
func peekEventType(raw []byte) string {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return ""
	}
	return envelope.EventType
}

func coalesce(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
