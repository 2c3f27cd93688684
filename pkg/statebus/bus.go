// Package statebus relays entity updates between gateway nodes over a
// shared topic, so a mutation on one node reaches subscribers connected
// to another.
package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"log"
)

// Update is one relayed patch. Origin identifies the publishing node;
// consumers drop their own updates to avoid double delivery.
type Update struct {
	Origin  string                 `json:"origin"`
	Service string                 `json:"service"`
	EntryID string                 `json:"entryId"`
	Patch   map[string]interface{} `json:"patch"`
}

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

type Producer interface {
	WriteMessage(ctx context.Context, key, value []byte) error
	Close() error
}

// Relay publishes local updates. It satisfies the service broadcaster
// contract; publish failures are logged and dropped, never surfaced to
// the mutation path.
type Relay struct {
	Origin   string
	Producer Producer
}

func (r *Relay) Broadcast(service, entryID string, patch map[string]interface{}) {
	if r == nil || r.Producer == nil {
		return
	}
	value, err := json.Marshal(Update{Origin: r.Origin, Service: service, EntryID: entryID, Patch: patch})
	if err != nil {
		log.Printf("statebus: marshal update %s/%s: %v", service, entryID, err)
		return
	}
	key := []byte(service + ":" + entryID)
	if err := r.Producer.WriteMessage(context.Background(), key, value); err != nil {
		log.Printf("statebus: publish %s/%s: %v", service, entryID, err)
	}
}

// Applier delivers one remote patch to local subscribers.
type Applier func(service, entryID string, patch map[string]interface{})

// Consume reads updates until the context ends or the consumer fails,
// applying every patch that originated on another node. Malformed
// frames are skipped.
func Consume(ctx context.Context, c Consumer, origin string, apply Applier) error {
	for {
		msg, err := c.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		var update Update
		if err := json.Unmarshal(msg.Value, &update); err != nil {
			log.Printf("statebus: skip malformed update: %v", err)
			continue
		}
		if update.Origin == origin || update.Service == "" || update.EntryID == "" {
			continue
		}
		apply(update.Service, update.EntryID, update.Patch)
	}
}
