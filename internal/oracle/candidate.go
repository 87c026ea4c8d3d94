package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantops/guardian/internal/paths"
	"github.com/quantops/guardian/internal/store"
)

// Candidate freshness windows per provenance tag.
const (
	LiveCandidateTTL = 20 * time.Second
	RestCandidateTTL = 60 * time.Second
)

// TradeCandidate is the contract between the signal engine and its
// consumers. Prices and confidences are validated before a candidate is
// served.
type TradeCandidate struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // BUY or SELL
	Entry         float64 `json:"entry"`
	Target        float64 `json:"target"`
	Stop          float64 `json:"stop"`
	RawConfidence float64 `json:"raw_confidence"` // 0..100
	NetConfidence float64 `json:"net_confidence"` // after cost haircut
	SnapshotMs    int64   `json:"snapshot_ms"`
	TraceID       string  `json:"trace_id"`
	Regime        string  `json:"regime"`
	SizeQuote     float64 `json:"size_quote"`
	Reason        string  `json:"reason"`
	StrategyID    string  `json:"strategy_id"`
	Source        string  `json:"source"` // live, rest or cache
}

// Validate returns every contract violation in c. A valid candidate
// returns nil.
func (c *TradeCandidate) Validate(now time.Time) []string {
	var errs []string

	if c.Symbol == "" {
		errs = append(errs, "symbol is required")
	}
	if c.Side != "BUY" && c.Side != "SELL" {
		errs = append(errs, fmt.Sprintf("invalid side: %q", c.Side))
	}
	if c.Entry <= 0 {
		errs = append(errs, fmt.Sprintf("invalid entry price: %g", c.Entry))
	}
	if c.Target <= 0 {
		errs = append(errs, fmt.Sprintf("invalid target price: %g", c.Target))
	}
	if c.Stop <= 0 {
		errs = append(errs, fmt.Sprintf("invalid stop price: %g", c.Stop))
	}

	if c.Entry > 0 && c.Target > 0 && c.Stop > 0 {
		switch c.Side {
		case "BUY":
			if !(c.Stop < c.Entry && c.Entry < c.Target) {
				errs = append(errs, fmt.Sprintf("BUY price order invalid: stop(%g) < entry(%g) < target(%g)", c.Stop, c.Entry, c.Target))
			}
		case "SELL":
			if !(c.Target < c.Entry && c.Entry < c.Stop) {
				errs = append(errs, fmt.Sprintf("SELL price order invalid: target(%g) < entry(%g) < stop(%g)", c.Target, c.Entry, c.Stop))
			}
		}
	}

	if c.RawConfidence < 0 || c.RawConfidence > 100 {
		errs = append(errs, fmt.Sprintf("raw confidence out of range: %g", c.RawConfidence))
	}
	if c.NetConfidence < 0 || c.NetConfidence > 100 {
		errs = append(errs, fmt.Sprintf("net confidence out of range: %g", c.NetConfidence))
	}
	if c.SnapshotMs > now.UnixMilli() {
		errs = append(errs, fmt.Sprintf("future timestamp: %d", c.SnapshotMs))
	}
	if c.SizeQuote <= 0 {
		errs = append(errs, fmt.Sprintf("invalid size quote: %g", c.SizeQuote))
	}
	return errs
}

// CandidatesDoc is the signal engine's output document.
type CandidatesDoc struct {
	GeneratedMs int64            `json:"generated_ms"`
	Candidates  []TradeCandidate `json:"candidates"`
}

// CandidateOracle serves the most trustworthy valid candidate for a
// symbol. Candidates tagged live or rest must be within their TTL; cache
// candidates are served regardless of age as a last resort.
type CandidateOracle struct {
	store *store.Store
	now   func() time.Time
}

// NewCandidateOracle builds a candidate oracle over st.
func NewCandidateOracle(st *store.Store) *CandidateOracle {
	return &CandidateOracle{store: st, now: time.Now}
}

// CandidatesPath is the candidates document location relative to the data
// root.
func CandidatesPath() string {
	return paths.SignalsDir + "/" + paths.CandidatesFile
}

// Latest returns the best candidate for symbol, or ErrNoData when no valid
// candidate qualifies.
func (o *CandidateOracle) Latest(ctx context.Context, symbol string) (TradeCandidate, error) {
	var doc CandidatesDoc
	if err := o.store.ReadJSON(CandidatesPath(), &doc); err != nil {
		return TradeCandidate{}, fmt.Errorf("candidates for %s: %w", symbol, ErrNoData)
	}

	pick := func(source string) (TradeCandidate, int64, error) {
		for _, c := range doc.Candidates {
			if !strings.EqualFold(c.Symbol, symbol) || !strings.EqualFold(c.Source, source) {
				continue
			}
			if errs := c.Validate(o.now()); len(errs) > 0 {
				continue
			}
			return c, c.SnapshotMs, nil
		}
		return TradeCandidate{}, 0, fmt.Errorf("no %s candidate for %s", source, symbol)
	}

	chain := NewChain(
		Source[TradeCandidate]{Name: SourceLive, TTL: LiveCandidateTTL, Read: func(context.Context) (TradeCandidate, int64, error) {
			return pick(SourceLive)
		}},
		Source[TradeCandidate]{Name: SourceRest, TTL: RestCandidateTTL, Read: func(context.Context) (TradeCandidate, int64, error) {
			return pick(SourceRest)
		}},
		Source[TradeCandidate]{Name: SourceCache, Read: func(context.Context) (TradeCandidate, int64, error) {
			return pick(SourceCache)
		}},
	)

	r, err := chain.Latest(ctx)
	if err != nil {
		return TradeCandidate{}, fmt.Errorf("candidate for %s: %w", symbol, err)
	}
	return r.Value, nil
}
