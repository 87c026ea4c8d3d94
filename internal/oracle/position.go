package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
	SideFlat  = "FLAT"
)

// PositionSnapshotTTL bounds how old the position snapshot may be before
// the oracle falls back to replaying the trade ledger.
const PositionSnapshotTTL = 120 * time.Second

// PositionData is one symbol's resolved position with provenance.
type PositionData struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Qty         float64 `json:"qty"`
	Entry       float64 `json:"entry"` // zero when FLAT
	TimestampMs int64   `json:"timestamp_ms"`
	Source      string  `json:"source"`
}

// PositionRecord is one entry in the positions snapshot document.
type PositionRecord struct {
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}

// PositionsDoc is the snapshot the trader process maintains.
type PositionsDoc struct {
	UpdatedMs int64                     `json:"updated_ms"`
	Positions map[string]PositionRecord `json:"positions"`
}

// TradeFill is one executed-trade line in the append-only ledger.
type TradeFill struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"` // BUY or SELL
	Qty         float64 `json:"qty"`
	Price       float64 `json:"price"`
	PnL         float64 `json:"pnl"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// PositionOracle resolves a symbol's position from the snapshot document,
// falling back to a full replay of the trade ledger.
type PositionOracle struct {
	store       *store.Store
	snapshotTTL time.Duration
}

// NewPositionOracle builds a position oracle over st.
func NewPositionOracle(st *store.Store) *PositionOracle {
	return &PositionOracle{store: st, snapshotTTL: PositionSnapshotTTL}
}

// GetPosition returns the current position for symbol. An empty ledger and
// no snapshot resolves to a FLAT position, which is a definite answer, not
// a miss.
func (o *PositionOracle) GetPosition(ctx context.Context, symbol string) (PositionData, error) {
	chain := NewChain(
		Source[PositionData]{Name: SourceLive, TTL: o.snapshotTTL, Read: func(ctx context.Context) (PositionData, int64, error) {
			return o.readSnapshot(symbol)
		}},
		Source[PositionData]{Name: SourceLedger, Read: func(ctx context.Context) (PositionData, int64, error) {
			return o.replay(symbol)
		}},
	)

	r, err := chain.Latest(ctx)
	if err != nil {
		return PositionData{}, err
	}
	pd := r.Value
	pd.Source = r.Source
	return pd, nil
}

// LastFillPrice returns the price of the most recent ledger fill for
// symbol, or zero when none exists.
func (o *PositionOracle) LastFillPrice(symbol string) (float64, error) {
	fills, err := ReadLedger(o.store, 0)
	if err != nil {
		return 0, err
	}
	for i := len(fills) - 1; i >= 0; i-- {
		if strings.EqualFold(fills[i].Symbol, symbol) {
			return fills[i].Price, nil
		}
	}
	return 0, nil
}

func (o *PositionOracle) readSnapshot(symbol string) (PositionData, int64, error) {
	var doc PositionsDoc
	if err := o.store.ReadJSON(paths.PositionsFile, &doc); err != nil {
		return PositionData{}, 0, err
	}
	rec, ok := doc.Positions[strings.ToUpper(symbol)]
	if !ok {
		return PositionData{}, 0, errors.New("symbol not in snapshot")
	}
	return positionFromQty(symbol, rec.Qty, rec.AvgPrice, doc.UpdatedMs), doc.UpdatedMs, nil
}

func (o *PositionOracle) replay(symbol string) (PositionData, int64, error) {
	pd, err := ReplayLedger(o.store, symbol)
	if err != nil {
		return PositionData{}, 0, err
	}
	return pd, pd.TimestampMs, nil
}

// ReadLedger decodes up to maxLines recent fills from the trade ledger.
// Zero means all. A missing ledger yields an empty slice.
func ReadLedger(st *store.Store, maxLines int) ([]TradeFill, error) {
	lines, err := st.ReadNDJSON(paths.TradesLedgerFile, maxLines)
	if err != nil {
		return nil, err
	}
	fills := make([]TradeFill, 0, len(lines))
	for _, line := range lines {
		var f TradeFill
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// ReplayLedger rebuilds symbol's net position from the full trade ledger.
// Buys add to the position at their fill price, sells reduce cost basis
// proportionally. Crossing through zero restarts the basis on the new side.
func ReplayLedger(st *store.Store, symbol string) (PositionData, error) {
	fills, err := ReadLedger(st, 0)
	if err != nil {
		return PositionData{}, err
	}

	var qty, cost float64
	var lastMs int64
	for _, f := range fills {
		if !strings.EqualFold(f.Symbol, symbol) {
			continue
		}
		signed := f.Qty
		if strings.EqualFold(f.Side, "SELL") {
			signed = -f.Qty
		}
		next := qty + signed
		switch {
		case qty == 0:
			cost = signed * f.Price
		case (qty > 0) == (signed > 0):
			// extending the position
			cost += signed * f.Price
		case next == 0:
			cost = 0
		case (qty > 0) != (next > 0):
			// crossed through zero, basis restarts on the new side
			cost = next * f.Price
		default:
			// reducing, basis shrinks proportionally
			cost *= next / qty
		}
		qty = next
		if f.TimestampMs > lastMs {
			lastMs = f.TimestampMs
		}
	}

	if lastMs == 0 {
		lastMs = time.Now().UnixMilli()
	}
	avg := 0.0
	if qty != 0 {
		avg = cost / qty
	}
	return positionFromQty(symbol, qty, avg, lastMs), nil
}

func positionFromQty(symbol string, qty, avg float64, tsMs int64) PositionData {
	pd := PositionData{
		Symbol:      strings.ToUpper(symbol),
		Qty:         qty,
		TimestampMs: tsMs,
	}
	switch {
	case qty > 0:
		pd.Side = SideLong
		pd.Entry = avg
	case qty < 0:
		pd.Side = SideShort
		pd.Entry = avg
	default:
		pd.Side = SideFlat
	}
	return pd
}
