package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/anandtrivedi/koop-provider-databricks/internal/core/config"
	"github.com/anandtrivedi/koop-provider-databricks/internal/invalidation"
)

type fakeCache struct {
	failFirst atomic.Bool
	mu        sync.Mutex
	tables    []string
}

func (f *fakeCache) Invalidate(_ context.Context, table string) error {
	f.mu.Lock()
	f.tables = append(f.tables, table)
	f.mu.Unlock()
	if f.failFirst.Load() {
		f.failFirst.Store(false)
		return errors.New("boom")
	}
	return nil
}

type sess struct {
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *sess) Claims() map[string][]int32 { return nil }
func (s *sess) MemberID() string           { return "" }
func (s *sess) GenerationID() int32        { return 0 }
func (s *sess) MarkMessage(m *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	s.marked = append(s.marked, m.Offset)
	s.mu.Unlock()
}
func (s *sess) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *sess) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *sess) Context() context.Context                         { return s.ctx }
func (s *sess) Errors() <-chan error                             { return nil }
func (s *sess) Commit()                                          {}

type claim struct {
	part int32
	msgs chan *sarama.ConsumerMessage
}

func (c *claim) Topic() string                            { return "schema-changes" }
func (c *claim) Partition() int32                         { return c.part }
func (c *claim) InitialOffset() int64                     { return 0 }
func (c *claim) HighWaterMarkOffset() int64               { return 0 }
func (c *claim) Messages() <-chan *sarama.ConsumerMessage { return c.msgs }

func eventBytes(table string) []byte {
	ev := invalidation.Event{Version: 1, Op: "alter", Table: table, TS: time.Now().UTC()}
	b, _ := json.Marshal(ev)
	return b
}

func newConsumerForTest(fc Invalidator) *Consumer {
	cfg := Config{Brokers: []string{"x"}, Topic: "schema-changes", GroupID: "g"}
	return New(cfg, slog.New(slog.DiscardHandler), fc)
}

func TestSinglePartition_OrderAndCommitAfterWork(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)

	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}
	ch := make(chan *sarama.ConsumerMessage, 2)
	ch <- &sarama.ConsumerMessage{Topic: "schema-changes", Offset: 10, Value: eventBytes("main.default.cities")}
	ch <- &sarama.ConsumerMessage{Topic: "schema-changes", Offset: 11, Value: eventBytes("main.default.roads")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 2 || s.marked[0] != 10 || s.marked[1] != 11 {
		t.Fatalf("marked offsets=%v want [10 11]", s.marked)
	}
	if len(fc.tables) != 2 || fc.tables[0] != "main.default.cities" || fc.tables[1] != "main.default.roads" {
		t.Fatalf("invalidated=%v", fc.tables)
	}
}

func TestRetry_CommitOnceAfterSuccess(t *testing.T) {
	fc := &fakeCache{}
	fc.failFirst.Store(true)
	c := newConsumerForTest(fc)
	ctx := context.Background()

	msg := &sarama.ConsumerMessage{Topic: "schema-changes", Offset: 5, Value: eventBytes("main.default.cities")}
	if err := c.ProcessOne(ctx, msg); err == nil {
		t.Fatalf("expected error on first attempt")
	}

	s := &sess{ctx: ctx}
	g := &groupHandler{process: c.ProcessOne}
	ch := make(chan *sarama.ConsumerMessage, 1)
	ch <- msg
	close(ch)
	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim second attempt: %v", err)
	}
	if len(s.marked) != 1 || s.marked[0] != 5 {
		t.Fatalf("offset was not marked after success; marked=%v", s.marked)
	}
}

func TestPoisonMessagesAreSkipped(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	ch := make(chan *sarama.ConsumerMessage, 3)
	ch <- &sarama.ConsumerMessage{Offset: 1, Value: []byte("{not json")}
	ch <- &sarama.ConsumerMessage{Offset: 2, Value: eventBytes("bad table")}
	ch <- &sarama.ConsumerMessage{Offset: 3, Value: eventBytes("main.default.cities")}
	close(ch)

	if err := g.ConsumeClaim(s, &claim{msgs: ch}); err != nil {
		t.Fatalf("ConsumeClaim: %v", err)
	}
	if len(s.marked) != 3 {
		t.Fatalf("marked=%v want all three", s.marked)
	}
	if len(fc.tables) != 1 || fc.tables[0] != "main.default.cities" {
		t.Fatalf("invalidated=%v", fc.tables)
	}
}

func TestMultiPartition_Parallel_NoCrossOrdering(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	g := &groupHandler{process: c.ProcessOne}
	s := &sess{ctx: t.Context()}

	p0 := make(chan *sarama.ConsumerMessage, 2)
	p1 := make(chan *sarama.ConsumerMessage, 2)
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 1, Value: eventBytes("main.a")}
	p0 <- &sarama.ConsumerMessage{Partition: 0, Offset: 2, Value: eventBytes("main.b")}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 1, Value: eventBytes("main.c")}
	p1 <- &sarama.ConsumerMessage{Partition: 1, Offset: 2, Value: eventBytes("main.d")}
	close(p0)
	close(p1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 0, msgs: p0}) }()
	go func() { defer wg.Done(); _ = g.ConsumeClaim(s, &claim{part: 1, msgs: p1}) }()
	wg.Wait()

	if len(s.marked) != 4 {
		t.Fatalf("expected 4 marks total; got %v", s.marked)
	}
}

func TestReadyFollowsGroupSession(t *testing.T) {
	c := newConsumerForTest(&fakeCache{})
	g := &groupHandler{process: c.ProcessOne, onJoin: c.joined.Store}
	if err := c.Ready(context.Background()); err == nil {
		t.Fatalf("ready before joining")
	}
	_ = g.Setup(nil)
	if err := c.Ready(context.Background()); err != nil {
		t.Fatalf("not ready after Setup: %v", err)
	}
	_ = g.Cleanup(nil)
	if err := c.Ready(context.Background()); err == nil {
		t.Fatalf("ready after Cleanup")
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.InvalidationConfig{Brokers: "a:9092, b:9092", Topic: "schema-changes", GroupID: "g"})
	if len(cfg.Brokers) != 2 || cfg.Brokers[1] != "b:9092" || cfg.InitialOffsetOldest {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestReplayedEventsAreSkipped(t *testing.T) {
	fc := &fakeCache{}
	c := newConsumerForTest(fc)
	ctx := context.Background()

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(off int64, ts time.Time) *sarama.ConsumerMessage {
		b, _ := json.Marshal(invalidation.Event{Version: 1, Op: "alter", Table: "main.default.cities", TS: ts})
		return &sarama.ConsumerMessage{Offset: off, Value: b}
	}

	for _, m := range []*sarama.ConsumerMessage{
		at(1, ts),
		at(2, ts),                   // redelivered
		at(3, ts.Add(-time.Minute)), // older
		at(4, ts.Add(time.Minute)),
	} {
		if err := c.ProcessOne(ctx, m); err != nil {
			t.Fatalf("offset %d: %v", m.Offset, err)
		}
	}
	if len(fc.tables) != 2 {
		t.Fatalf("invalidations=%d want 2", len(fc.tables))
	}
}

func TestFailedEvictionIsNotRecordedAsApplied(t *testing.T) {
	fc := &fakeCache{}
	fc.failFirst.Store(true)
	c := newConsumerForTest(fc)
	msg := &sarama.ConsumerMessage{Offset: 1, Value: eventBytes("main.default.cities")}

	if err := c.ProcessOne(context.Background(), msg); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	if err := c.ProcessOne(context.Background(), msg); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fc.tables) != 2 {
		t.Fatalf("attempts=%d want 2", len(fc.tables))
	}
}
