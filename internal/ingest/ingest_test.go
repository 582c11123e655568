package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/manaops/creditflow/pkg/event"
)

func TestSequenceGuardAcceptsContiguousRanges(t *testing.T) {
	g := NewSequenceGuard(nil)

	if err := g.Check("polygon", 100, 109); err != nil {
		t.Fatalf("first range rejected: %v", err)
	}
	if err := g.Check("polygon", 110, 119); err != nil {
		t.Fatalf("contiguous range rejected: %v", err)
	}
	if got := g.HighWater("polygon"); got != 119 {
		t.Errorf("high water = %d, want 119", got)
	}
}

func TestSequenceGuardRejectsGap(t *testing.T) {
	g := NewSequenceGuard(nil)

	if err := g.Check("polygon", 100, 109); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("polygon", 112, 120); err == nil {
		t.Error("gapped range accepted")
	}
	// The high-water mark must not advance past a rejected range.
	if got := g.HighWater("polygon"); got != 109 {
		t.Errorf("high water = %d, want 109", got)
	}
}

func TestSequenceGuardAllowsReplay(t *testing.T) {
	g := NewSequenceGuard(nil)

	if err := g.Check("polygon", 100, 109); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("polygon", 100, 109); err != nil {
		t.Errorf("replayed range rejected: %v", err)
	}
	if err := g.Check("polygon", 105, 115); err != nil {
		t.Errorf("overlapping range rejected: %v", err)
	}
	if got := g.HighWater("polygon"); got != 115 {
		t.Errorf("high water = %d, want 115", got)
	}
}

func TestSequenceGuardTracksChainsIndependently(t *testing.T) {
	g := NewSequenceGuard(nil)

	if err := g.Check("polygon", 100, 109); err != nil {
		t.Fatal(err)
	}
	if err := g.Check("ethereum", 5000, 5009); err != nil {
		t.Errorf("unrelated chain rejected: %v", err)
	}
}

func TestSequenceGuardInvertedRange(t *testing.T) {
	g := NewSequenceGuard(nil)
	if err := g.Check("polygon", 110, 100); err == nil {
		t.Error("inverted range accepted")
	}
}

type stubProcessor struct {
	batches []*event.Batch
	err     error
}

func (s *stubProcessor) Run(_ context.Context, batch *event.Batch) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, batch)
	return nil
}

func testConsumer(p Processor) *Consumer {
	return &Consumer{
		cfg:       DefaultConfig(),
		processor: p,
		guard:     NewSequenceGuard(nil),
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
}

func marshalBatch(t *testing.T, chain string, heights ...uint64) []byte {
	t.Helper()
	b := event.Batch{Chain: chain}
	for _, h := range heights {
		b.Blocks = append(b.Blocks, event.Block{Height: h, Timestamp: time.Unix(1700000000, 0).UTC()})
	}
	data, err := json.Marshal(&b)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestProcessDataDrivesProcessor(t *testing.T) {
	p := &stubProcessor{}
	c := testConsumer(p)

	if err := c.processData(context.Background(), marshalBatch(t, "polygon", 100, 101)); err != nil {
		t.Fatalf("processData failed: %v", err)
	}
	if len(p.batches) != 1 || p.batches[0].FromHeight() != 100 || p.batches[0].ToHeight() != 101 {
		t.Errorf("processor saw %+v", p.batches)
	}
}

func TestProcessDataRejectsMalformedPayload(t *testing.T) {
	p := &stubProcessor{}
	c := testConsumer(p)

	if err := c.processData(context.Background(), []byte("{not json")); err == nil {
		t.Error("malformed payload accepted")
	}
	if len(p.batches) != 0 {
		t.Error("processor invoked for malformed payload")
	}
}

func TestProcessDataSkipsEmptyBatch(t *testing.T) {
	p := &stubProcessor{}
	c := testConsumer(p)

	if err := c.processData(context.Background(), marshalBatch(t, "polygon")); err != nil {
		t.Fatalf("empty batch rejected: %v", err)
	}
	if len(p.batches) != 0 {
		t.Error("processor invoked for empty batch")
	}
}

func TestProcessDataGapFailsClosed(t *testing.T) {
	p := &stubProcessor{}
	c := testConsumer(p)

	if err := c.processData(context.Background(), marshalBatch(t, "polygon", 100, 101)); err != nil {
		t.Fatal(err)
	}
	if err := c.processData(context.Background(), marshalBatch(t, "polygon", 105, 106)); err == nil {
		t.Error("gapped batch accepted")
	}
	if len(p.batches) != 1 {
		t.Errorf("processor saw %d batches, want 1", len(p.batches))
	}
}

func TestProcessDataProcessorErrorPropagates(t *testing.T) {
	p := &stubProcessor{err: fmt.Errorf("db down")}
	c := testConsumer(p)

	if err := c.processData(context.Background(), marshalBatch(t, "polygon", 100)); err == nil {
		t.Error("processor error swallowed")
	}
}
