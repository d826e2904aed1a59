package runtime

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/fleetops/fleetbus/internal/runtime/errors"
	handlerpkg "github.com/fleetops/fleetbus/internal/runtime/handlers"
	metadatapkg "github.com/fleetops/fleetbus/internal/runtime/metadata"
	transportpkg "github.com/fleetops/fleetbus/internal/runtime/transport"
)

func newTestEventBus(t *testing.T, svc *Service) (*EventBus, *[]time.Duration) {
	t.Helper()
	bus, err := NewEventBus(svc)
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}
	var slept []time.Duration
	bus.sleep = func(d time.Duration) { slept = append(slept, d) }
	return bus, &slept
}

// eventMessage builds a stream message the way PublishEvent does: payload
// plus the routing key in metadata.
func eventMessage(uuid, key string, payload []byte) *message.Message {
	msg := message.NewMessage(uuid, payload)
	msg.Metadata = message.Metadata{handlerpkg.MetadataKeyEventKey: key}
	return msg
}

func TestNewEventBusRequiresService(t *testing.T) {
	if _, err := NewEventBus(nil); !errors.Is(err, errspkg.ErrServiceRequired) {
		t.Fatalf("expected ErrServiceRequired, got %v", err)
	}
}

func TestEventBusSubscribeValidation(t *testing.T) {
	svc := newTestService(t, nil, nil)
	bus, _ := newTestEventBus(t, svc)

	if err := bus.Subscribe("h", "vehicle.*", nil); !errors.Is(err, errspkg.ErrHandlerRequired) {
		t.Fatalf("nil handler: expected ErrHandlerRequired, got %v", err)
	}
	handler := func(context.Context, Event) error { return nil }
	if err := bus.Subscribe("", "vehicle.*", handler); !errors.Is(err, errspkg.ErrHandlerNameRequired) {
		t.Fatalf("empty name: expected ErrHandlerNameRequired, got %v", err)
	}
	if err := bus.Subscribe("h", "", handler); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("empty pattern: expected ErrTopicRequired, got %v", err)
	}

	if err := bus.Subscribe("h", "vehicle.*", handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := bus.Subscribe("h", "depot.*", handler); err == nil {
		t.Fatal("duplicate handler name must be rejected")
	}
}

func TestEventBusPublishRidesEventStream(t *testing.T) {
	pub := newCapturingPublisher()
	svc := newTestService(t, nil, pub)
	bus, _ := newTestEventBus(t, svc)

	md := metadatapkg.New(metadatapkg.KeyCallerID, "scheduler")
	if err := bus.Publish(context.Background(), "vehicle.assigned", map[string]string{"vehicle": "truck-7"}, md); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stream := svc.Conf.EventTopicName()
	msgs := pub.messages(stream)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 event on %s, got %d", stream, len(msgs))
	}
	if string(msgs[0].Payload) != `{"vehicle":"truck-7"}` {
		t.Fatalf("unexpected payload %s", msgs[0].Payload)
	}
	if got := msgs[0].Metadata.Get(handlerpkg.MetadataKeyEventKey); got != "vehicle.assigned" {
		t.Fatalf("routing key missing from metadata, got %q", got)
	}
	if msgs[0].Metadata.Get(metadatapkg.KeyCallerID) != "scheduler" {
		t.Fatalf("caller metadata missing: %+v", msgs[0].Metadata)
	}
	if msgs[0].Metadata.Get(handlerpkg.MetadataKeyEnqueuedAt) == "" {
		t.Fatal("enqueued-at timestamp missing")
	}

	if err := bus.Publish(context.Background(), "", map[string]string{}, nil); !errors.Is(err, errspkg.ErrTopicRequired) {
		t.Fatalf("empty key: expected ErrTopicRequired, got %v", err)
	}
}

func TestEventStreamWildcardDelivery(t *testing.T) {
	conf := testConfig()
	conf.ServiceName = "dispatch"
	svc := NewService(conf, testLogger(), context.Background(), ServiceDependencies{})
	bus, err := NewEventBus(svc)
	if err != nil {
		t.Fatalf("NewEventBus: %v", err)
	}

	received := make(chan Event, 1)
	err = bus.Subscribe("vehicle_watch", "vehicle.*", func(ctx context.Context, evt Event) error {
		received <- evt
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Start(ctx) }()
	select {
	case <-svc.router.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("router did not start")
	}

	if err := bus.Publish(ctx, "vehicle.created", map[string]string{"vehicle": "truck-7"}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Key != "vehicle.created" {
			t.Fatalf("unexpected event key %q", evt.Key)
		}
		var decoded map[string]string
		if err := evt.Decode(&decoded); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if decoded["vehicle"] != "truck-7" {
			t.Fatalf("unexpected payload %v", decoded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event with key vehicle.created never reached the vehicle.* subscriber")
	}
}

func TestDispatchFansOutInSubscriptionOrder(t *testing.T) {
	svc := newTestService(t, nil, nil)
	bus, _ := newTestEventBus(t, svc)

	var order []string
	record := func(name string) EventHandler {
		return func(ctx context.Context, evt Event) error {
			order = append(order, name)
			return nil
		}
	}

	mustSubscribe(t, bus, "vehicle_watch", "vehicle.*", record("vehicle_watch"))
	mustSubscribe(t, bus, "depot_watch", "depot.*", record("depot_watch"))
	mustSubscribe(t, bus, "audit_log", "#", record("audit_log"))

	msg := eventMessage("e1", "vehicle.created", []byte(`{}`))
	if _, err := bus.dispatchEvent(msg); err != nil {
		t.Fatalf("dispatchEvent: %v", err)
	}

	if len(order) != 2 || order[0] != "vehicle_watch" || order[1] != "audit_log" {
		t.Fatalf("expected [vehicle_watch audit_log], got %v", order)
	}
}

func TestDispatchRetryCopyRunsOnlyFailedHandler(t *testing.T) {
	svc := newTestService(t, nil, nil)
	bus, _ := newTestEventBus(t, svc)

	var order []string
	record := func(name string) EventHandler {
		return func(ctx context.Context, evt Event) error {
			order = append(order, name)
			return nil
		}
	}

	mustSubscribe(t, bus, "vehicle_watch", "vehicle.*", record("vehicle_watch"))
	mustSubscribe(t, bus, "audit_log", "#", record("audit_log"))

	msg := eventMessage("e1", "vehicle.created", []byte(`{}`))
	msg.Metadata[handlerpkg.MetadataKeyRetryHandler] = "audit_log"
	if _, err := bus.dispatchEvent(msg); err != nil {
		t.Fatalf("dispatchEvent: %v", err)
	}

	if len(order) != 1 || order[0] != "audit_log" {
		t.Fatalf("retry copy must only reach its addressed handler, got %v", order)
	}
}

func mustSubscribe(t *testing.T, bus *EventBus, name, pattern string, handler EventHandler) {
	t.Helper()
	if err := bus.Subscribe(name, pattern, handler); err != nil {
		t.Fatalf("Subscribe(%s, %s): %v", name, pattern, err)
	}
}

func TestMatchEventKey(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"vehicle.created", "vehicle.created", true},
		{"vehicle.created", "vehicle.deleted", false},
		{"vehicle.*", "vehicle.created", true},
		{"vehicle.*", "vehicle", false},
		{"vehicle.*", "vehicle.created.north", false},
		{"vehicle.#", "vehicle", true},
		{"vehicle.#", "vehicle.created", true},
		{"vehicle.#", "vehicle.created.north", true},
		{"vehicle.#", "depot.opened", false},
		{"*.created", "vehicle.created", true},
		{"*.created", "vehicle.deleted", false},
		{"#", "anything.at.all", true},
		{"#.created", "vehicle.created", true},
		{"#.created", "created", true},
		{"vehicle.*", "", false},
	}
	for _, tc := range cases {
		if got := matchEventKey(tc.pattern, tc.key); got != tc.want {
			t.Fatalf("matchEventKey(%q, %q) = %v, want %v", tc.pattern, tc.key, got, tc.want)
		}
	}
}

func TestEventHandlerSuccessDoesNotRepublish(t *testing.T) {
	pub := newCapturingPublisher()
	svc := newTestService(t, nil, pub)
	bus, slept := newTestEventBus(t, svc)

	var got Event
	handler := bus.buildEventHandler("on_assign", func(ctx context.Context, evt Event) error {
		got = evt
		return nil
	})

	msg := eventMessage("e1", "vehicle.assigned", []byte(`{"vehicle":"truck-7"}`))
	out, err := handler(msg)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no outgoing messages, got %d", len(out))
	}
	if got.Key != "vehicle.assigned" || got.RetryCount != 0 {
		t.Fatalf("unexpected event %+v", got)
	}
	if len(*slept) != 0 {
		t.Fatalf("successful events must not back off, slept %v", *slept)
	}

	var decoded map[string]string
	if err := got.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded["vehicle"] != "truck-7" {
		t.Fatalf("unexpected decoded payload %v", decoded)
	}
}

func TestEventHandlerFailureRepublishesWithIncrementedRetry(t *testing.T) {
	pub := newCapturingPublisher()
	svc := newTestService(t, nil, pub)
	bus, slept := newTestEventBus(t, svc)

	handler := bus.buildEventHandler("on_assign", func(ctx context.Context, evt Event) error {
		return errors.New("downstream store unavailable")
	})

	msg := eventMessage("e1", "vehicle.assigned", []byte(`{"vehicle":"truck-7"}`))
	if _, err := handler(msg); err != nil {
		t.Fatalf("retry path must ack the original, got %v", err)
	}

	retried := pub.messages(svc.Conf.EventTopicName())
	if len(retried) != 1 {
		t.Fatalf("expected 1 republished event, got %d", len(retried))
	}
	if got := retried[0].Metadata.Get(handlerpkg.MetadataKeyRetryCount); got != "1" {
		t.Fatalf("expected retry count 1, got %q", got)
	}
	if got := retried[0].Metadata.Get(handlerpkg.MetadataKeyRetryHandler); got != "on_assign" {
		t.Fatalf("retry copy must be addressed to the failed handler, got %q", got)
	}
	if got := retried[0].Metadata.Get(handlerpkg.MetadataKeyEventKey); got != "vehicle.assigned" {
		t.Fatalf("retry copy must keep the routing key, got %q", got)
	}
	if retried[0].UUID == msg.UUID {
		t.Fatal("republished event must be a new broker message")
	}
	if string(retried[0].Payload) != string(msg.Payload) {
		t.Fatal("republished event must keep the payload")
	}

	if len(*slept) != 1 || (*slept)[0] != bus.delays.Delay(1) {
		t.Fatalf("expected one backoff sleep of %v, got %v", bus.delays.Delay(1), *slept)
	}
	if got := retried[0].Metadata.Get(transportpkg.MetadataKeyDelayMS); got != "" {
		t.Fatalf("emulated delay must not also stamp the delay header, got %q", got)
	}
}

func TestEventHandlerNativeDelaySkipsSleep(t *testing.T) {
	pub := newCapturingPublisher()
	svc := newTestService(t, nil, pub)
	bus, slept := newTestEventBus(t, svc)
	bus.nativeDelay = true

	handler := bus.buildEventHandler("on_assign", func(ctx context.Context, evt Event) error {
		return errors.New("downstream store unavailable")
	})

	msg := eventMessage("e1", "vehicle.assigned", []byte(`{}`))
	if _, err := handler(msg); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if len(*slept) != 0 {
		t.Fatalf("native delay must not sleep in the handler, slept %v", *slept)
	}
	retried := pub.messages(svc.Conf.EventTopicName())
	if len(retried) != 1 {
		t.Fatalf("expected 1 republished event, got %d", len(retried))
	}
	want := strconv.FormatInt(bus.delays.Delay(1).Milliseconds(), 10)
	if got := retried[0].Metadata.Get(transportpkg.MetadataKeyDelayMS); got != want {
		t.Fatalf("expected delay header %q, got %q", want, got)
	}
}

func TestEventHandlerExhaustedBudgetGoesToDeadLetter(t *testing.T) {
	conf := testConfig()
	conf.ServiceName = "maintenance"
	conf.EventMaxRetries = 2
	pub := newCapturingPublisher()
	svc := newTestService(t, conf, pub)
	bus, slept := newTestEventBus(t, svc)

	handler := bus.buildEventHandler("on_assign", func(ctx context.Context, evt Event) error {
		return errors.New("downstream store unavailable")
	})

	msg := eventMessage("e1", "vehicle.assigned", []byte(`{"vehicle":"truck-7"}`))
	msg.Metadata[handlerpkg.MetadataKeyRetryCount] = strconv.Itoa(conf.EventMaxRetries)
	msg.Metadata[handlerpkg.MetadataKeyRetryHandler] = "on_assign"
	msg.Metadata[handlerpkg.MetadataKeyEnqueuedAt] = time.Now().Add(-time.Minute).UTC().Format(time.RFC3339Nano)

	if _, err := handler(msg); err != nil {
		t.Fatalf("dead-lettered events must be acked, got %v", err)
	}

	if got := pub.count(svc.Conf.EventTopicName()); got != 0 {
		t.Fatalf("exhausted events must not be republished, got %d", got)
	}
	dlq := pub.messages(svc.Conf.DeadLetterTopicName())
	if len(dlq) != 1 {
		t.Fatalf("expected 1 dead-lettered event, got %d", len(dlq))
	}
	if got := dlq[0].Metadata.Get(handlerpkg.MetadataKeyFailureReason); got != "downstream store unavailable" {
		t.Fatalf("failure reason missing, got %q", got)
	}
	if got := dlq[0].Metadata.Get(handlerpkg.MetadataKeyOriginalKey); got != "vehicle.assigned" {
		t.Fatalf("original event key missing, got %q", got)
	}
	if got := dlq[0].Metadata.Get(handlerpkg.MetadataKeyRetryHandler); got != "" {
		t.Fatalf("dead letter must not stay addressed to a handler, got %q", got)
	}
	if len(*slept) != 0 {
		t.Fatalf("dead-lettering must not back off, slept %v", *slept)
	}

	snapshot := svc.dlqMetrics.GetSnapshot()
	keyStats, ok := snapshot.TopicMetrics["vehicle.assigned"]
	if !ok || keyStats.MessagesReceived != 1 {
		t.Fatalf("dead letter not recorded in metrics: %+v", snapshot.TopicMetrics)
	}
}

func TestEventHandlerPanicCountsAsFailure(t *testing.T) {
	pub := newCapturingPublisher()
	svc := newTestService(t, nil, pub)
	bus, _ := newTestEventBus(t, svc)

	handler := bus.buildEventHandler("on_assign", func(ctx context.Context, evt Event) error {
		panic("nil pointer")
	})

	msg := eventMessage("e1", "vehicle.assigned", []byte(`{}`))
	if _, err := handler(msg); err != nil {
		t.Fatalf("panic path must ack the original, got %v", err)
	}

	retried := pub.messages(svc.Conf.EventTopicName())
	if len(retried) != 1 {
		t.Fatalf("expected panicking handler to trigger a retry, got %d messages", len(retried))
	}
}

func TestEventHandlerRepublishFailureSurfacesError(t *testing.T) {
	pub := newCapturingPublisher()
	pub.onPublish = func(string, *message.Message) error {
		return errors.New("connection refused")
	}
	svc := newTestService(t, nil, pub)
	bus, _ := newTestEventBus(t, svc)

	handler := bus.buildEventHandler("on_assign", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})

	msg := eventMessage("e1", "vehicle.assigned", []byte(`{}`))
	if _, err := handler(msg); err == nil {
		t.Fatal("failed republish must surface so the broker redelivers the original")
	}
}

func TestReplayRestoresDeadLetter(t *testing.T) {
	pub := newCapturingPublisher()
	svc := newTestService(t, nil, pub)
	bus, _ := newTestEventBus(t, svc)

	dead := message.NewMessage("d1", []byte(`{"vehicle":"truck-7"}`))
	dead.Metadata = message.Metadata{
		handlerpkg.MetadataKeyOriginalKey:   "vehicle.assigned",
		handlerpkg.MetadataKeyEventKey:      "vehicle.assigned",
		handlerpkg.MetadataKeyFailureReason: "downstream store unavailable",
		handlerpkg.MetadataKeyRetryCount:    "3",
	}

	if err := bus.Replay(dead); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	replayed := pub.messages(svc.Conf.EventTopicName())
	if len(replayed) != 1 {
		t.Fatalf("expected 1 replayed event, got %d", len(replayed))
	}
	if got := replayed[0].Metadata.Get(handlerpkg.MetadataKeyEventKey); got != "vehicle.assigned" {
		t.Fatalf("replay must restore the routing key, got %q", got)
	}
	for _, key := range []string{
		handlerpkg.MetadataKeyOriginalKey,
		handlerpkg.MetadataKeyFailureReason,
		handlerpkg.MetadataKeyRetryCount,
		handlerpkg.MetadataKeyRetryHandler,
	} {
		if got := replayed[0].Metadata.Get(key); got != "" {
			t.Fatalf("replay must reset %s, got %q", key, got)
		}
	}
	if replayed[0].UUID == dead.UUID {
		t.Fatal("replayed event must be a new broker message")
	}

	snapshot := svc.dlqMetrics.GetSnapshot()
	if got := snapshot.TotalReplayed; got != 1 {
		t.Fatalf("expected 1 replay recorded, got %d", got)
	}
}

func TestReplayRejectsKeylessDeadLetter(t *testing.T) {
	svc := newTestService(t, nil, nil)
	bus, _ := newTestEventBus(t, svc)

	if err := bus.Replay(nil); err == nil {
		t.Fatal("nil dead letter must be rejected")
	}

	dead := message.NewMessage("d1", []byte(`{}`))
	dead.Metadata = message.Metadata{}
	if err := bus.Replay(dead); err == nil {
		t.Fatal("dead letter without an event key must be rejected")
	}
}

func TestPurgeRecordsDiscardedDeadLetters(t *testing.T) {
	svc := newTestService(t, nil, nil)
	bus, _ := newTestEventBus(t, svc)

	bus.Purge("vehicle.assigned", 4)
	bus.Purge("vehicle.assigned", 0)
	bus.Purge("vehicle.assigned", -2)

	snapshot := svc.dlqMetrics.GetSnapshot()
	if got := snapshot.TotalPurged; got != 4 {
		t.Fatalf("expected 4 purged dead letters recorded, got %d", got)
	}
}

func TestParseRetryCount(t *testing.T) {
	cases := map[string]int{
		"":    0,
		"0":   0,
		"3":   3,
		"-1":  0,
		"abc": 0,
	}
	for raw, want := range cases {
		if got := parseRetryCount(raw); got != want {
			t.Fatalf("parseRetryCount(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestMessageAge(t *testing.T) {
	msg := message.NewMessage("e1", nil)
	msg.Metadata = message.Metadata{}
	if got := messageAge(msg); got != 0 {
		t.Fatalf("missing timestamp should yield zero age, got %v", got)
	}

	msg.Metadata[handlerpkg.MetadataKeyEnqueuedAt] = "garbage"
	if got := messageAge(msg); got != 0 {
		t.Fatalf("unparseable timestamp should yield zero age, got %v", got)
	}

	msg.Metadata[handlerpkg.MetadataKeyEnqueuedAt] = time.Now().Add(-2 * time.Second).UTC().Format(time.RFC3339Nano)
	if got := messageAge(msg); got < time.Second {
		t.Fatalf("expected age of roughly two seconds, got %v", got)
	}
}
