package securitybus

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"trustcore/pkg/auth"

	"github.com/segmentio/kafka-go"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// KafkaConsumer reads from the confirmations topic, where external anchor
// submitters report transaction ids once a Merkle root lands on the
// external store.
type KafkaConsumer struct {
	reader kafkaReader
}

func NewKafkaConsumer(cfg Config) (*KafkaConsumer, error) {
	brokers, err := cfg.brokers()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaConsumer{reader: r}, nil
}

func (c *KafkaConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if c == nil || c.reader == nil {
		return Message{}, fmt.Errorf("kafka consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Value: msg.Value}, nil
}

func (c *KafkaConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

// AnchorConfirmation is an external submitter's report that an anchor's
// Merkle root was committed, carrying the transaction id to record.
type AnchorConfirmation struct {
	AnchorID string `json:"anchor_id"`
	TxID     string `json:"tx_id"`
}

// AnchorConfirmer is the slice of the anchor service the confirmation loop
// needs.
type AnchorConfirmer interface {
	Confirm(ctx context.Context, anchorID, txID string) error
}

// RunConfirmLoop consumes anchor confirmations until ctx is done. Bad
// messages are logged and skipped so one malformed report cannot wedge the
// loop.
func RunConfirmLoop(ctx context.Context, consumer Consumer, confirmer AnchorConfirmer) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("securitybus: confirm loop read: %v", err)
			continue
		}
		var conf AnchorConfirmation
		if err := json.Unmarshal(msg.Value, &conf); err != nil {
			log.Printf("securitybus: malformed confirmation: %v", err)
			continue
		}
		if conf.AnchorID == "" || conf.TxID == "" {
			log.Printf("securitybus: confirmation missing anchor_id or tx_id")
			continue
		}
		if err := confirmer.Confirm(ctx, conf.AnchorID, conf.TxID); err != nil {
			log.Printf("securitybus: confirm anchor %s: %v", conf.AnchorID, err)
		}
	}
}

// RunSignedConfirmLoop is RunConfirmLoop for deployments where submitters
// sign their confirmations. Each message must be an auth.SignedConfirmation
// whose key resolves in the keystore, is active, and whose signature
// verifies; anything else is logged and skipped.
func RunSignedConfirmLoop(ctx context.Context, consumer Consumer, confirmer AnchorConfirmer, keys auth.KeyStore) {
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("securitybus: confirm loop read: %v", err)
			continue
		}
		var conf auth.SignedConfirmation
		if err := json.Unmarshal(msg.Value, &conf); err != nil {
			log.Printf("securitybus: malformed signed confirmation: %v", err)
			continue
		}
		if conf.AnchorID == "" || conf.TxID == "" || conf.Kid == "" {
			log.Printf("securitybus: signed confirmation missing anchor_id, tx_id or kid")
			continue
		}
		key, err := keys.GetKey(ctx, conf.Kid)
		if err != nil {
			log.Printf("securitybus: resolve key %s: %v", conf.Kid, err)
			continue
		}
		if key.Status != "active" {
			log.Printf("securitybus: key %s is %s, confirmation for anchor %s dropped", conf.Kid, key.Status, conf.AnchorID)
			continue
		}
		if err := auth.VerifyConfirmation(ed25519.PublicKey(key.PublicKey), conf); err != nil {
			log.Printf("securitybus: confirmation signature for anchor %s: %v", conf.AnchorID, err)
			continue
		}
		if err := confirmer.Confirm(ctx, conf.AnchorID, conf.TxID); err != nil {
			log.Printf("securitybus: confirm anchor %s: %v", conf.AnchorID, err)
		}
	}
}
