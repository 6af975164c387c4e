package archive

import "github.com/xtxerr/feedrec/internal/record"

// DepthRow is the Parquet layout of a depth record. Level slices are
// ordered best first.
type DepthRow struct {
	ExchangeTs int64     `parquet:"exchange_ts"`
	ReceiveTs  int64     `parquet:"receive_ts"`
	Instrument string    `parquet:"instrument,dict"`
	Exchange   string    `parquet:"exchange,dict"`
	BidPrice   []float64 `parquet:"bid_price"`
	BidQty     []float64 `parquet:"bid_qty"`
	AskPrice   []float64 `parquet:"ask_price"`
	AskQty     []float64 `parquet:"ask_qty"`
}

// TradeRow is the Parquet layout of a trade record.
type TradeRow struct {
	ExchangeTs int64   `parquet:"exchange_ts"`
	ReceiveTs  int64   `parquet:"receive_ts"`
	Instrument string  `parquet:"instrument,dict"`
	Exchange   string  `parquet:"exchange,dict"`
	Price      float64 `parquet:"price"`
	Volume     float64 `parquet:"volume"`
	Side       string  `parquet:"side,dict"`
}

// GenericRow is the Parquet layout of a generic record.
type GenericRow struct {
	ExchangeTs int64   `parquet:"exchange_ts"`
	ReceiveTs  int64   `parquet:"receive_ts"`
	Instrument string  `parquet:"instrument,dict"`
	Exchange   string  `parquet:"exchange,dict"`
	Num1       float64 `parquet:"num1"`
	Num2       float64 `parquet:"num2"`
	TotalID    uint64  `parquet:"total_id"`
	DataID     uint64  `parquet:"data_id"`
	Data       string  `parquet:"data"`
}

func depthRow(d *record.Depth) DepthRow {
	row := DepthRow{
		ExchangeTs: d.ExchangeTs,
		ReceiveTs:  d.ReceiveTs,
		Instrument: d.Instrument.String(),
		Exchange:   d.Exchange.String(),
		BidPrice:   make([]float64, record.DepthLevels),
		BidQty:     make([]float64, record.DepthLevels),
		AskPrice:   make([]float64, record.DepthLevels),
		AskQty:     make([]float64, record.DepthLevels),
	}
	for i := 0; i < record.DepthLevels; i++ {
		row.BidPrice[i], row.BidQty[i] = d.Bids[i].Price, d.Bids[i].Qty
		row.AskPrice[i], row.AskQty[i] = d.Asks[i].Price, d.Asks[i].Qty
	}
	return row
}

func tradeRow(t *record.Trade) TradeRow {
	return TradeRow{
		ExchangeTs: t.ExchangeTs,
		ReceiveTs:  t.ReceiveTs,
		Instrument: t.Instrument.String(),
		Exchange:   t.Exchange.String(),
		Price:      t.Price,
		Volume:     t.Volume,
		Side:       t.Side.String(),
	}
}

func genericRow(g *record.Generic) GenericRow {
	return GenericRow{
		ExchangeTs: g.ExchangeTs,
		ReceiveTs:  g.ReceiveTs,
		Instrument: g.Instrument.String(),
		Exchange:   g.Exchange.String(),
		Num1:       g.Num1,
		Num2:       g.Num2,
		TotalID:    g.TotalID,
		DataID:     g.DataID,
		Data:       string(g.Text()),
	}
}
