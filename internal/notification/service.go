// Package notification receives mailbox change notifications over Pub/Sub
// and turns them into pipeline triggers.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"storysync/internal/sync/usecase"
)

// GmailNotification is the payload Gmail publishes to the watch topic.
type GmailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// Service subscribes to the watch topic and triggers a sync cycle per
// notification. The payload itself is only a hint; the cycle always diffs
// from the persisted checkpoint, so dropping or coalescing notifications is
// safe.
type Service struct {
	pubsubClient *pubsub.Client
	orchestrator usecase.Orchestrator
	accountEmail string
	projectID    string
	topicName    string
	subName      string

	// Deduplication: skip notifications whose historyId does not advance.
	mu            sync.Mutex
	lastHistoryID uint64
	lastMessageID string
}

func NewService(projectID, topicName, subName, accountEmail string, orchestrator usecase.Orchestrator, credentialsFile string) (*Service, error) {
	ctx := context.Background()

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %v", err)
	}

	if subName == "" {
		subName = topicName + "-sub" // Convention: topic-sub
	}

	return &Service{
		pubsubClient: client,
		orchestrator: orchestrator,
		accountEmail: accountEmail,
		projectID:    projectID,
		topicName:    topicName,
		subName:      subName,
	}, nil
}

func (s *Service) Start(ctx context.Context) {
	log.Printf("[PubSub] Starting notification service with topic: %s, subscription: %s", s.topicName, s.subName)

	// Ensure subscription exists
	sub := s.pubsubClient.Subscription(s.subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		log.Printf("[PubSub] Error checking subscription existence: %v", err)
		return
	}

	if !exists {
		topic := s.pubsubClient.Topic(s.topicName)
		topicExists, err := topic.Exists(ctx)
		if err != nil {
			log.Printf("[PubSub] Error checking topic existence: %v", err)
			return
		}
		if !topicExists {
			log.Printf("[PubSub] Topic %s does not exist, cannot create subscription", s.topicName)
			return
		}

		sub, err = s.pubsubClient.CreateSubscription(ctx, s.subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 10 * time.Second,
		})
		if err != nil {
			log.Printf("[PubSub] Failed to create subscription: %v", err)
			return
		}
		log.Printf("[PubSub] Created subscription: %s", s.subName)
	}

	log.Printf("[PubSub] Listening for messages on subscription: %s", s.subName)
	err = sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		s.handleMessage(ctx, msg)
		// Ack unconditionally: a redelivery would carry no information the
		// next checkpoint diff does not already have.
		msg.Ack()
	})
	if err != nil {
		log.Printf("[PubSub] Error receiving messages: %v", err)
	}
}

// HandleNotification validates and deduplicates one decoded notification,
// then triggers a cycle. Shared between the Pub/Sub subscriber and the HTTP
// push endpoint.
func (s *Service) HandleNotification(ctx context.Context, messageID string, n GmailNotification) {
	if n.EmailAddress != s.accountEmail {
		log.Printf("[PubSub] Ignoring notification for unknown account: %s", n.EmailAddress)
		return
	}

	if !s.shouldProcess(messageID, n.HistoryID) {
		log.Printf("[PubSub] Skipping duplicate notification (historyId %d)", n.HistoryID)
		return
	}

	log.Printf("[PubSub] Notification for %s (historyId: %d), triggering cycle", n.EmailAddress, n.HistoryID)
	if err := s.orchestrator.Trigger(ctx); err != nil {
		log.Printf("[PubSub] Cycle failed: %v", err)
	}
}

func (s *Service) handleMessage(ctx context.Context, msg *pubsub.Message) {
	var notification GmailNotification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.Printf("[PubSub] Failed to unmarshal notification: %v", err)
		return
	}
	s.HandleNotification(ctx, msg.ID, notification)
}

// shouldProcess reports whether the notification carries anything new. The
// same message redelivered, or a historyId at or behind the newest seen one,
// is a duplicate.
func (s *Service) shouldProcess(messageID string, historyID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if messageID != "" && messageID == s.lastMessageID {
		return false
	}
	if historyID != 0 && historyID <= s.lastHistoryID {
		return false
	}
	if historyID > s.lastHistoryID {
		s.lastHistoryID = historyID
	}
	s.lastMessageID = messageID
	return true
}

// Close releases the underlying Pub/Sub client.
func (s *Service) Close() error {
	return s.pubsubClient.Close()
}
