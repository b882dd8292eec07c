package models

import (
	"sort"
	"time"
)

// MessageKind tells a historical snapshot from a live update.
type MessageKind int

const (
	KindHistorical MessageKind = iota
	KindLive
)

func (k MessageKind) String() string {
	switch k {
	case KindHistorical:
		return "historical"
	case KindLive:
		return "live"
	default:
		return "unknown"
	}
}

// HistoricalBatch: снапшот, общая ось времени и OHLC-строки по каждой паре.
type HistoricalBatch struct {
	Times   []TimeKey
	PerPair map[PairID][]Quad
}

// Pairs returns the batch's pairs, sorted.
func (b *HistoricalBatch) Pairs() []PairID {
	out := make([]PairID, 0, len(b.PerPair))
	for p := range b.PerPair {
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

// LiveTick: текущее значение по каждой паре для формирующегося бакета.
type LiveTick struct {
	Time    TimeKey
	PerPair map[PairID]float64
}

func (t *LiveTick) Pairs() []PairID {
	out := make([]PairID, 0, len(t.PerPair))
	for p := range t.PerPair {
		out = append(out, p)
	}
	sortPairs(out)
	return out
}

// RawMessage is a decoded inbound frame. Exactly one of Batch/Tick is set,
// according to Kind.
type RawMessage struct {
	Kind       MessageKind
	Batch      *HistoricalBatch
	Tick       *LiveTick
	ReceivedAt time.Time
}

func (m RawMessage) Pairs() []PairID {
	switch {
	case m.Kind == KindHistorical && m.Batch != nil:
		return m.Batch.Pairs()
	case m.Kind == KindLive && m.Tick != nil:
		return m.Tick.Pairs()
	default:
		return nil
	}
}

func sortPairs(ps []PairID) {
	sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
}
