// Package journal records order intents in a write-ahead log before they go
// to the brokerage. On restart the pending records tell the engine which
// submissions were in flight so it can re-query the broker instead of
// guessing (or worse, re-submitting).
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/quantfu/ibot/internal/domain"
)

const (
	intentKeyPrefix = "order_intent_"

	walDirPermissions   = 0o755
	walSegmentThreshold = 1000
	walMaxSegments      = 100

	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// Intent is one journaled submission attempt. BrokerOrderID is set once the
// brokerage acknowledged the order; a pending record without it is ambiguous
// and must be reconciled against the broker on startup.
type Intent struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	CycleID       string             `json:"cycle_id"`
	Symbol        string             `json:"symbol"`
	Side          domain.OrderSide   `json:"side"`
	Class         domain.OrderClass  `json:"class"`
	Tag           string             `json:"tag"`
	Qty           decimal.Decimal    `json:"qty"`
	Price         decimal.Decimal    `json:"price"`
	Time          time.Time          `json:"time"`
	BrokerOrderID string             `json:"broker_order_id,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Journal is a WAL-backed intent log for one instrument.
type Journal struct {
	wal   *gowal.Wal
	index map[string]*Intent
	order []string
	l     *zap.Logger
}

// Open creates or recovers the journal under dir/<symbol>. Records are
// replayed so the latest version of each intent wins.
func Open(dir, symbol string, l *zap.Logger) (*Journal, error) {
	walDir := filepath.Join(dir, symbol)
	if err := os.MkdirAll(walDir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "ensure journal directory %s", walDir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              walDir,
		Prefix:           "log_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open intent journal")
	}

	j := &Journal{
		wal:   wal,
		index: make(map[string]*Intent),
		l:     l,
	}
	for msg := range wal.Iterator() {
		var in Intent
		if err := json.Unmarshal(msg.Value, &in); err != nil {
			l.Error("failed to unmarshal order intent", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		if _, seen := j.index[in.ID]; !seen {
			j.order = append(j.order, in.ID)
		}
		rec := in
		j.index[in.ID] = &rec
	}
	return j, nil
}

// Prepare journals a new pending intent for the given planned order.
func (j *Journal) Prepare(o *domain.Order) (*Intent, error) {
	in := &Intent{
		ID:      uuid.New().String(),
		Status:  StatusPending,
		CycleID: o.CycleID,
		Symbol:  o.Symbol,
		Side:    o.Side,
		Class:   o.Class,
		Tag:     o.Tag,
		Qty:     o.Qty,
		Price:   o.Price,
		Time:    time.Now(),
	}
	if err := j.persist(in); err != nil {
		return nil, err
	}
	j.order = append(j.order, in.ID)
	j.index[in.ID] = in
	return in, nil
}

// MarkSubmitted records the broker acknowledgement.
func (j *Journal) MarkSubmitted(in *Intent, brokerOrderID string) error {
	if in == nil {
		return nil
	}
	in.Status = StatusSubmitted
	in.BrokerOrderID = brokerOrderID
	return j.persist(in)
}

// MarkDone closes out the intent.
func (j *Journal) MarkDone(in *Intent) error {
	if in == nil {
		return nil
	}
	in.Status = StatusDone
	in.Error = ""
	return j.persist(in)
}

// MarkFailed records a definitive submission failure.
func (j *Journal) MarkFailed(in *Intent, cause error) error {
	if in == nil {
		return nil
	}
	in.Status = StatusFailed
	if cause != nil {
		in.Error = cause.Error()
	}
	return j.persist(in)
}

// Unresolved returns intents still pending or submitted, in journal order.
// These are the ones startup reconciliation must settle with the broker.
func (j *Journal) Unresolved() []*Intent {
	var out []*Intent
	for _, id := range j.order {
		in := j.index[id]
		if in.Status == StatusPending || in.Status == StatusSubmitted {
			out = append(out, in)
		}
	}
	return out
}

func (j *Journal) persist(in *Intent) error {
	data, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "marshal order intent")
	}
	key := fmt.Sprintf("%s%s", intentKeyPrefix, in.ID)
	return j.wal.Write(j.wal.CurrentIndex()+1, key, data)
}

func (j *Journal) Close() error {
	return j.wal.Close()
}
