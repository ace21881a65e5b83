package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"dvp/apps/dvp/internal/events"
	"dvp/apps/dvp/internal/model"
	"dvp/apps/dvp/internal/repository"
)

// Notifier dispatches persisted delivery notifications to Kafka. It is the
// only consumer of the notification table's unsent rows; the indexer just
// appends to them.
type Notifier struct {
	logger        *zap.Logger
	kafkaProducer *kafka.Producer
	kafkaTopic    string
	repository    *repository.NotificationRepository
	mu            sync.Mutex // Protects concurrent access to dispatch operations
}

func NewNotifier(kafkaBroker, kafkaTopic string, logger *zap.Logger, repository *repository.NotificationRepository) (*Notifier, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &Notifier{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		repository:    repository,
	}, nil
}

// Run polls for unsent notifications until ctx is canceled.
func (n *Notifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("Notifier stopped")
			return
		case <-ticker.C:
			if err := n.dispatchUnsent(); err != nil {
				n.logger.Error("Error dispatching notifications to Kafka", zap.Error(err))
			}
		}
	}
}

func (n *Notifier) dispatchUnsent() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	notifications, err := n.repository.GetUnsentForProcessing(100)
	if err != nil {
		return err
	}

	successCount := 0
	for _, notification := range notifications {
		if err := n.publish(notification); err != nil {
			n.logger.Error("Failed to publish notification",
				zap.String("notice_id", notification.NoticeID),
				zap.Int("code", notification.Code),
				zap.Error(err))
			// Return the row to 'unsent' for retry
			if markErr := n.repository.MarkAsFailed(notification.NoticeID); markErr != nil {
				n.logger.Error("Failed to mark notification as failed",
					zap.String("notice_id", notification.NoticeID), zap.Error(markErr))
			}
			continue
		}

		if err := n.repository.MarkAsSent(notification.NoticeID); err != nil {
			n.logger.Error("Failed to mark notification as sent",
				zap.String("notice_id", notification.NoticeID), zap.Error(err))
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		n.logger.Info("Dispatched notifications",
			zap.Int("success_count", successCount),
			zap.Int("attempted", len(notifications)))
	}

	return nil
}

func (n *Notifier) publish(notification model.Notification) error {
	msg := events.DeliveryNotification{
		NoticeID:      notification.NoticeID,
		IssuerAddress: notification.IssuerAddress,
		Priority:      notification.Priority,
		Type:          notification.Type,
		Code:          notification.Code,
		Metainfo:      notification.Metainfo,
		CreatedAt:     notification.CreatedAt,
		Timestamp:     time.Now(),
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err = n.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &n.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(notification.IssuerAddress), // partition by issuer
		Value:          msgBytes,
	}, deliveryChan)
	if err != nil {
		return err
	}

	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (n *Notifier) Close() error {
	if n.kafkaProducer != nil {
		n.kafkaProducer.Close()
	}
	return nil
}
