// Package securitybus moves security events over Kafka. The gateway
// publishes escalations and integrity alerts for downstream SIEM pipelines,
// and consumes anchor confirmations submitted by external anchoring
// workers.
package securitybus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) brokers() ([]string, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	return brokers, nil
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes security events to a Kafka topic, keyed by tenant so a
// tenant's events stay ordered within a partition.
type Publisher struct {
	writer kafkaWriter
}

func NewPublisher(cfg Config) (*Publisher, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: w}, nil
}

type busEvent struct {
	Type     string      `json:"type"`
	TenantID string      `json:"tenant_id,omitempty"`
	At       string      `json:"at"`
	Data     interface{} `json:"data,omitempty"`
}

func (p *Publisher) Publish(ctx context.Context, eventType, tenantID string, data interface{}) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("security bus publisher not initialized")
	}
	value, err := json.Marshal(busEvent{
		Type:     eventType,
		TenantID: tenantID,
		At:       time.Now().UTC().Format(time.RFC3339Nano),
		Data:     data,
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(tenantID),
		Value: value,
	})
}

// Notify adapts the publisher to escalation sinks. Publish failures are
// logged and swallowed: the bus being down must not block detection.
func (p *Publisher) Notify(eventType string, data interface{}) {
	tenant := ""
	if m, ok := data.(map[string]interface{}); ok {
		if t, ok := m["tenant_id"].(string); ok {
			tenant = t
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Publish(ctx, eventType, tenant, data); err != nil {
		log.Printf("securitybus: publish %s failed: %v", eventType, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
