package writer

import (
	"context"

	"bookflow/logger"
	"bookflow/models"
)

// LogWriter logs every quote at debug level. It is attached when no other
// sink is configured.
type LogWriter struct {
	depth int
	log   *logger.Log
}

func NewLogWriter(depth int) *LogWriter {
	if depth < 1 {
		depth = 1
	}
	return &LogWriter{depth: depth, log: logger.GetLogger()}
}

func (lw *LogWriter) Name() string { return "log" }

func (lw *LogWriter) Write(_ context.Context, quotes []models.Quote) error {
	log := lw.log.WithComponent("log_writer")
	for _, q := range quotes {
		w := NewWire(q, lw.depth)
		logger.IncrementQuotePublished(lw.Name(), 0)
		if !log.DebugEnabled() {
			continue
		}
		log.WithFields(logger.Fields{
			"exchange":   w.Exchange,
			"symbol":     w.Symbol,
			"valid":      w.Valid,
			"source_seq": w.SourceSeq,
			"best_bid":   w.Bids[0][0],
			"best_ask":   w.Asks[0][0],
		}).Debug("quote")
	}
	return nil
}

func (lw *LogWriter) Close() error { return nil }
