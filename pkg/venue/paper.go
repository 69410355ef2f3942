package venue

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type PaperConfig struct {
	// Prices maps token or asset symbols to a common quote unit. Symbols
	// match case-insensitively and unknown ones are priced at 1.
	Prices       map[string]float64
	MaxTradeSize float64
	FeeBps       int64
}

type paperPosition struct {
	asset      string
	side       Side
	leverage   int
	collateral decimal.Decimal
	entryPrice decimal.Decimal
}

// Paper is an in-process venue that fills everything at configured prices.
type Paper struct {
	mu           sync.Mutex
	prices       map[string]decimal.Decimal
	maxTradeSize decimal.Decimal
	fee          decimal.Decimal
	receipts     map[string]*Receipt
	positions    map[string]paperPosition
	logger       *logrus.Logger
}

var _ Venue = (*Paper)(nil)

func NewPaper(cfg PaperConfig, logger *logrus.Logger) *Paper {
	p := &Paper{
		prices:       make(map[string]decimal.Decimal),
		maxTradeSize: decimal.NewFromFloat(cfg.MaxTradeSize),
		fee:          decimal.New(cfg.FeeBps, -4),
		receipts:     make(map[string]*Receipt),
		positions:    make(map[string]paperPosition),
		logger:       logger,
	}
	for symbol, price := range cfg.Prices {
		p.prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(price)
	}
	return p
}

// SetPrice moves the simulated market.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}

func (p *Paper) price(symbol string) decimal.Decimal {
	if v, ok := p.prices[strings.ToUpper(symbol)]; ok && v.IsPositive() {
		return v
	}
	return decimal.NewFromInt(1)
}

func (p *Paper) checkSize(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewError(KindRejected, "amount must be positive")
	}
	if p.maxTradeSize.IsPositive() && amount.GreaterThan(p.maxTradeSize) {
		return NewError(KindInsufficientLiquidity, "size %s exceeds available liquidity %s", amount, p.maxTradeSize)
	}
	return nil
}

// execute returns the cached receipt for clientRef or records a new one.
func (p *Paper) execute(ctx context.Context, clientRef string, fn func() (*Receipt, error)) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.receipts[clientRef]; ok {
		c := *r
		return &c, nil
	}
	r, err := fn()
	if err != nil {
		return nil, err
	}
	r.TxRef = "paper-" + uuid.NewString()
	p.receipts[clientRef] = r

	p.logger.WithFields(logrus.Fields{
		"client_ref": clientRef,
		"tx_ref":     r.TxRef,
		"amount_in":  r.AmountIn.String(),
		"amount_out": r.AmountOut.String(),
	}).Debug("Paper fill")

	c := *r
	return &c, nil
}

func (p *Paper) Swap(ctx context.Context, req SwapRequest) (*Receipt, error) {
	return p.execute(ctx, req.ClientRef, func() (*Receipt, error) {
		if err := p.checkSize(req.AmountIn); err != nil {
			return nil, err
		}
		out := req.AmountIn.Mul(p.price(req.TokenIn)).Div(p.price(req.TokenOut))
		out = out.Sub(out.Mul(p.fee))
		if out.LessThan(req.MinAmountOut) {
			return nil, NewError(KindInsufficientLiquidity, "output %s below minimum %s", out, req.MinAmountOut)
		}
		return &Receipt{AmountIn: req.AmountIn, AmountOut: out}, nil
	})
}

func (p *Paper) AddLiquidity(ctx context.Context, req AddLiquidityRequest) (*Receipt, error) {
	return p.execute(ctx, req.ClientRef, func() (*Receipt, error) {
		if err := p.checkSize(req.Amount); err != nil {
			return nil, err
		}
		ref := "lp-" + uuid.NewString()
		p.positions[ref] = paperPosition{asset: req.Pool, collateral: req.Amount}
		return &Receipt{AmountIn: req.Amount, AmountOut: req.Amount, PositionRef: ref}, nil
	})
}

func (p *Paper) RemoveLiquidity(ctx context.Context, req RemoveLiquidityRequest) (*Receipt, error) {
	return p.execute(ctx, req.ClientRef, func() (*Receipt, error) {
		if req.PositionRef == "" {
			if err := p.checkSize(req.Amount); err != nil {
				return nil, err
			}
			return &Receipt{AmountIn: req.Amount, AmountOut: req.Amount}, nil
		}
		pos, ok := p.positions[req.PositionRef]
		if !ok {
			return nil, NewError(KindRejected, "unknown liquidity position %s", req.PositionRef)
		}
		delete(p.positions, req.PositionRef)
		out := pos.collateral.Sub(pos.collateral.Mul(p.fee))
		return &Receipt{AmountIn: pos.collateral, AmountOut: out, PositionRef: req.PositionRef}, nil
	})
}

func (p *Paper) OpenLeveragedPosition(ctx context.Context, req OpenLeveragedRequest) (*Receipt, error) {
	return p.execute(ctx, req.ClientRef, func() (*Receipt, error) {
		if err := p.checkSize(req.Collateral); err != nil {
			return nil, err
		}
		if req.Leverage < 1 {
			return nil, NewError(KindRejected, "invalid leverage %d", req.Leverage)
		}
		ref := "perp-" + uuid.NewString()
		p.positions[ref] = paperPosition{
			asset:      req.Asset,
			side:       req.Side,
			leverage:   req.Leverage,
			collateral: req.Collateral,
			entryPrice: p.price(req.Asset),
		}
		return &Receipt{AmountIn: req.Collateral, AmountOut: req.Collateral, PositionRef: ref}, nil
	})
}

func (p *Paper) CloseLeveragedPosition(ctx context.Context, req CloseLeveragedRequest) (*Receipt, error) {
	return p.execute(ctx, req.ClientRef, func() (*Receipt, error) {
		pos, ok := p.positions[req.PositionRef]
		if !ok {
			return nil, NewError(KindRejected, "unknown leveraged position %s", req.PositionRef)
		}
		delete(p.positions, req.PositionRef)

		move := p.price(pos.asset).Sub(pos.entryPrice).Div(pos.entryPrice)
		if pos.side == SideShort {
			move = move.Neg()
		}
		pnl := pos.collateral.Mul(decimal.NewFromInt(int64(pos.leverage))).Mul(move)
		out := pos.collateral.Add(pnl)
		if out.IsNegative() {
			out = decimal.Zero
		}
		return &Receipt{AmountIn: pos.collateral, AmountOut: out, PositionRef: req.PositionRef}, nil
	})
}
