package reader

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"

	appconfig "chainflow/config"
	"chainflow/internal/channel"
	"chainflow/models"
)

func TestTrackerContiguousCommit(t *testing.T) {
	tr := NewTracker()
	for off := int64(0); off < 3; off++ {
		tr.Observe("trades/0", off)
	}

	tr.Ack("trades/0", 0)
	tr.Ack("trades/0", 2) // gap at 1
	if got := tr.Committable()["trades/0"]; got != 0 {
		t.Fatalf("committable with gap = %d, want 0", got)
	}

	tr.Ack("trades/0", 1)
	if got := tr.Committable()["trades/0"]; got != 2 {
		t.Fatalf("committable after gap filled = %d, want 2", got)
	}

	// Duplicate acks are harmless.
	tr.Ack("trades/0", 1)
	if got := tr.Committable()["trades/0"]; got != 2 {
		t.Errorf("committable after duplicate ack = %d, want 2", got)
	}
}

func TestTrackerStartsMidStream(t *testing.T) {
	tr := NewTracker()
	tr.Observe("trades/3", 100)
	// Before any ack the frontier sits just below the first offset.
	if got := tr.Committable()["trades/3"]; got != 99 {
		t.Fatalf("committable before ack = %d, want 99", got)
	}
	tr.Ack("trades/3", 100)
	if got := tr.Committable()["trades/3"]; got != 100 {
		t.Errorf("committable = %d, want 100", got)
	}
}

func TestParseSource(t *testing.T) {
	topic, partition, ok := parseSource("chain.trades/4")
	if !ok || topic != "chain.trades" || partition != 4 {
		t.Errorf("parseSource = %q, %d, %v", topic, partition, ok)
	}
	if _, _, ok := parseSource("nopartition"); ok {
		t.Error("parseSource accepted key without partition")
	}
	if _, _, ok := parseSource("topic/notanumber"); ok {
		t.Error("parseSource accepted non-numeric partition")
	}
}

func testReader(chans *channel.Channels, recovered map[string]int64) *BusReader {
	cfg := &appconfig.Config{}
	cfg.Bus.TradesTopic = "trades"
	cfg.Bus.TransfersTopic = "transfers"
	r := NewBusReader(cfg, chans, NewTracker(), recovered)
	r.ctx = context.Background()
	return r
}

func TestDecodeByTopic(t *testing.T) {
	r := testReader(channel.NewChannels(4, 4), nil)

	tradeJSON := []byte(`{"id":"t1","token":"tokA","trader":"alice","side":"buy","base_amount":10,"quote_amount":20,"price":2,"timestamp":1700000000000}`)
	ev, err := r.decode("trades", kafka.Message{Value: tradeJSON, Partition: 1, Offset: 7})
	if err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if ev.Kind != models.EventKindTrade || ev.Trade.Token != "tokA" || ev.Source.Offset != 7 {
		t.Errorf("decoded trade event = %+v", ev)
	}

	transferJSON := []byte(`{"id":"x1","token":"tokA","from":"alice","to":"bob","amount":5,"timestamp":1700000000000}`)
	ev, err = r.decode("transfers", kafka.Message{Value: transferJSON})
	if err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if ev.Kind != models.EventKindTransfer || ev.Transfer.To != "bob" {
		t.Errorf("decoded transfer event = %+v", ev)
	}

	if _, err := r.decode("trades", kafka.Message{Value: []byte(`{"id":""}`)}); err == nil {
		t.Error("decode accepted trade without id")
	}
}

func TestHandleMessageMalformedAcked(t *testing.T) {
	chans := channel.NewChannels(4, 4)
	r := testReader(chans, nil)
	log := r.log.WithComponent("bus_reader")

	r.handleMessage("trades", kafka.Message{Value: []byte("not json"), Partition: 0, Offset: 0}, log)
	if got := r.tracker.Committable()["trades/0"]; got != 0 {
		t.Errorf("malformed message not acked, committable = %d", got)
	}
	if len(chans.Events) != 0 {
		t.Error("malformed message reached the engine")
	}
}

func TestHandleMessageSkipsRecoveredOffsets(t *testing.T) {
	chans := channel.NewChannels(4, 4)
	r := testReader(chans, map[string]int64{"trades/0": 5})

	tradeJSON := []byte(`{"id":"t1","token":"tokA","trader":"alice","side":"buy","base_amount":10,"quote_amount":20,"price":2,"timestamp":1700000000000}`)
	log := r.log.WithComponent("bus_reader")

	r.handleMessage("trades", kafka.Message{Value: tradeJSON, Partition: 0, Offset: 4}, log)
	if len(chans.Events) != 0 {
		t.Fatal("already-applied offset re-sent to engine")
	}
	if got := r.tracker.Committable()["trades/0"]; got != 4 {
		t.Errorf("recovered offset not acked, committable = %d", got)
	}

	r.handleMessage("trades", kafka.Message{Value: tradeJSON, Partition: 0, Offset: 6}, log)
	if len(chans.Events) != 1 {
		t.Error("fresh offset past recovery not sent to engine")
	}
}
