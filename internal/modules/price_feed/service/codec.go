package service

import (
	"math"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"price_feed/internal/models"
)

var ErrMalformedFrame = errors.New("malformed frame")

const (
	timeField = "t"

	// dayLayout is the bucket key format used for dates on the wire.
	dayLayout = "2006-01-02"
)

type RequestKind string

const (
	KindSubscribe   RequestKind = "subscribe"
	KindUnsubscribe RequestKind = "unsubscribe"
)

// Request is an outbound subscription message.
type Request struct {
	Type RequestKind   `json:"type"`
	Pair models.PairID `json:"pair"`
	To   string        `json:"to,omitempty"`
	From string        `json:"from,omitempty"`
}

func EncodeRequest(r Request) ([]byte, error) {
	b, err := sonic.Marshal(r)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s request for %s", r.Type, r.Pair)
	}
	return b, nil
}

// DecodeFrame parses an inbound payload. The message kind is inferred from
// the shape of "t": an array is a historical batch, a scalar is a live tick.
// Numeric time values are unix seconds and become UTC day keys.
func DecodeFrame(data []byte, receivedAt time.Time) (models.RawMessage, error) {
	var fields map[string]interface{}
	if err := sonic.Unmarshal(data, &fields); err != nil {
		return models.RawMessage{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	rawTime, ok := fields[timeField]
	if !ok {
		return models.RawMessage{}, errors.Wrap(ErrMalformedFrame, `missing "t"`)
	}
	delete(fields, timeField)

	if axis, ok := rawTime.([]interface{}); ok {
		batch, err := decodeBatch(axis, fields)
		if err != nil {
			return models.RawMessage{}, err
		}
		return models.RawMessage{Kind: models.KindHistorical, Batch: batch, ReceivedAt: receivedAt}, nil
	}

	tick, err := decodeTick(rawTime, fields)
	if err != nil {
		return models.RawMessage{}, err
	}
	return models.RawMessage{Kind: models.KindLive, Tick: tick, ReceivedAt: receivedAt}, nil
}

func decodeBatch(axis []interface{}, fields map[string]interface{}) (*models.HistoricalBatch, error) {
	batch := &models.HistoricalBatch{
		Times:   make([]models.TimeKey, 0, len(axis)),
		PerPair: make(map[models.PairID][]models.Quad, len(fields)),
	}

	for i, v := range axis {
		k, err := timeKey(v)
		if err != nil {
			return nil, errors.Wrapf(err, "t[%d]", i)
		}
		batch.Times = append(batch.Times, k)
	}

	for pair, v := range fields {
		rows, ok := v.([]interface{})
		if !ok {
			return nil, errors.Wrapf(ErrMalformedFrame, "%s: expected rows, got %T", pair, v)
		}

		quads := make([]models.Quad, 0, len(rows))
		for i, r := range rows {
			q, err := quad(r)
			if err != nil {
				return nil, errors.Wrapf(err, "%s[%d]", pair, i)
			}
			quads = append(quads, q)
		}
		batch.PerPair[models.PairID(pair)] = quads
	}

	return batch, nil
}

func decodeTick(rawTime interface{}, fields map[string]interface{}) (*models.LiveTick, error) {
	k, err := timeKey(rawTime)
	if err != nil {
		return nil, err
	}

	tick := &models.LiveTick{
		Time:    k,
		PerPair: make(map[models.PairID]float64, len(fields)),
	}
	for pair, v := range fields {
		f, ok := v.(float64)
		if !ok {
			return nil, errors.Wrapf(ErrMalformedFrame, "%s: expected number, got %T", pair, v)
		}
		tick.PerPair[models.PairID(pair)] = f
	}
	return tick, nil
}

func timeKey(v interface{}) (models.TimeKey, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", errors.Wrap(ErrMalformedFrame, "empty time key")
		}
		return models.TimeKey(t), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", errors.Wrapf(ErrMalformedFrame, "bad timestamp %v", t)
		}
		sec, frac := math.Modf(t)
		return models.TimeKey(time.Unix(int64(sec), int64(frac*1e9)).UTC().Format(dayLayout)), nil
	default:
		return "", errors.Wrapf(ErrMalformedFrame, "unsupported time value %T", v)
	}
}

func quad(v interface{}) (models.Quad, error) {
	row, ok := v.([]interface{})
	if !ok || len(row) != len(models.Quad{}) {
		return models.Quad{}, errors.Wrapf(ErrMalformedFrame, "expected [open,high,low,close], got %v", v)
	}

	var q models.Quad
	for i, x := range row {
		f, ok := x.(float64)
		if !ok {
			return models.Quad{}, errors.Wrapf(ErrMalformedFrame, "non-numeric ohlc value %v", x)
		}
		q[i] = f
	}
	return q, nil
}

// latestIndex returns the index of the lexicographically greatest key, or -1.
func latestIndex(times []models.TimeKey) int {
	idx := -1
	for i, t := range times {
		if idx < 0 || t > times[idx] {
			idx = i
		}
	}
	return idx
}
