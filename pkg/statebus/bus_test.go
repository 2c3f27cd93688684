package statebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeProducer struct {
	keys   []string
	values [][]byte
	err    error
}

func (f *fakeProducer) WriteMessage(_ context.Context, key, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func TestRelayBroadcast(t *testing.T) {
	p := &fakeProducer{}
	r := &Relay{Origin: "node-a", Producer: p}
	r.Broadcast("chat", "c1", map[string]interface{}{"title": "hello"})
	if len(p.values) != 1 {
		t.Fatalf("expected 1 message, got %d", len(p.values))
	}
	if p.keys[0] != "chat:c1" {
		t.Fatalf("unexpected key %q", p.keys[0])
	}
	var u Update
	if err := json.Unmarshal(p.values[0], &u); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Origin != "node-a" || u.Service != "chat" || u.EntryID != "c1" {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.Patch["title"] != "hello" {
		t.Fatalf("patch not carried: %+v", u.Patch)
	}
}

func TestRelayBroadcastDropsOnError(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	r := &Relay{Origin: "node-a", Producer: p}
	// Must not panic or surface the error.
	r.Broadcast("chat", "c1", map[string]interface{}{"x": 1})
}

func TestRelayNilProducer(t *testing.T) {
	var r *Relay
	r.Broadcast("chat", "c1", nil)
	(&Relay{}).Broadcast("chat", "c1", nil)
}

type fakeConsumer struct {
	msgs []Message
	idx  int
	err  error
}

func (f *fakeConsumer) ReadMessage(ctx context.Context) (Message, error) {
	if f.idx >= len(f.msgs) {
		if f.err != nil {
			return Message{}, f.err
		}
		return Message{}, context.Canceled
	}
	m := f.msgs[f.idx]
	f.idx++
	return m, nil
}

func (f *fakeConsumer) Close() error { return nil }

func encodeUpdate(t *testing.T, u Update) Message {
	t.Helper()
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return Message{Key: []byte(u.Service + ":" + u.EntryID), Value: b}
}

func TestConsumeAppliesRemoteUpdates(t *testing.T) {
	c := &fakeConsumer{msgs: []Message{
		encodeUpdate(t, Update{Origin: "node-b", Service: "chat", EntryID: "c1", Patch: map[string]interface{}{"title": "x"}}),
		encodeUpdate(t, Update{Origin: "node-a", Service: "chat", EntryID: "c2", Patch: map[string]interface{}{"title": "y"}}),
		{Value: []byte("not json")},
		encodeUpdate(t, Update{Origin: "node-b", Service: "", EntryID: "c3"}),
		encodeUpdate(t, Update{Origin: "node-b", Service: "doc", EntryID: "d1", Patch: map[string]interface{}{"body": "z"}}),
	}}
	var applied []string
	err := Consume(context.Background(), c, "node-a", func(service, entryID string, patch map[string]interface{}) {
		applied = append(applied, service+"/"+entryID)
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(applied) != 2 || applied[0] != "chat/c1" || applied[1] != "doc/d1" {
		t.Fatalf("unexpected applies %v", applied)
	}
}

func TestConsumeReturnsReaderError(t *testing.T) {
	want := errors.New("broker gone")
	c := &fakeConsumer{err: want}
	err := Consume(context.Background(), c, "node-a", func(string, string, map[string]interface{}) {})
	if !errors.Is(err, want) {
		t.Fatalf("expected reader error, got %v", err)
	}
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	c := &fakeConsumer{}
	if err := Consume(context.Background(), c, "node-a", func(string, string, map[string]interface{}) {}); err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}
}

func TestKafkaConfigValidate(t *testing.T) {
	if _, err := NewKafkaConsumer(KafkaConfig{Topic: "t", GroupID: "g"}); err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "g"}); err == nil {
		t.Fatal("expected error for missing topic")
	}
	if _, err := NewKafkaConsumer(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"}); err == nil {
		t.Fatal("expected error for missing group id")
	}
	if _, err := NewKafkaProducer(KafkaConfig{Brokers: []string{" "}, Topic: "t"}); err == nil {
		t.Fatal("expected error for blank broker")
	}
}
