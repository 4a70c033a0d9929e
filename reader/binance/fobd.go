package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "bookflow/config"
	fobd "bookflow/internal/channel/fobd"
	"bookflow/logger"
	"bookflow/models"

	futures "github.com/adshao/go-binance/v2/futures"
)

// Binance_FOBD_Reader streams futures diff depth events for a fixed set of
// instruments and forwards them as raw frames.
type Binance_FOBD_Reader struct {
	config      *appconfig.Config
	channels    *fobd.Channels
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	instruments []models.Instrument

	// serve is swapped in tests
	serve func(symbol string, rate time.Duration, handler futures.WsDepthHandler, errHandler futures.ErrHandler) (chan struct{}, chan struct{}, error)
}

// Binance_FOBD_NewReader creates a delta reader for the supplied instruments.
func Binance_FOBD_NewReader(cfg *appconfig.Config, ch *fobd.Channels, instruments []models.Instrument) *Binance_FOBD_Reader {
	return &Binance_FOBD_Reader{
		config:      cfg,
		channels:    ch,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		instruments: instruments,
		serve:       futures.WsDiffDepthServeWithRate,
	}
}

// Binance_FOBD_Start subscribes one diff depth stream per instrument.
func (r *Binance_FOBD_Reader) Binance_FOBD_Start(ctx context.Context) error {
	cfg := r.config.Source.Binance.Delta
	log := r.log.WithComponent("binance_delta_reader").WithFields(logger.Fields{"operation": "Binance_FOBD_Start"})

	if !cfg.Enabled {
		log.Warn("binance futures orderbook delta is disabled")
		return fmt.Errorf("binance futures orderbook delta is disabled")
	}
	if len(r.instruments) == 0 {
		return fmt.Errorf("no symbols configured for binance futures orderbook delta")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("delta reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	log.WithFields(logger.Fields{"symbols": len(r.instruments), "interval": interval.String()}).Info("starting delta reader")

	for _, inst := range r.instruments {
		r.wg.Add(1)
		go r.streamSymbol(inst, interval)
	}
	return nil
}

// Binance_FOBD_Stop waits for all streams to close after the start context
// is cancelled.
func (r *Binance_FOBD_Reader) Binance_FOBD_Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_delta_reader").Info("stopping delta reader")
	r.wg.Wait()
	r.log.WithComponent("binance_delta_reader").Info("delta reader stopped")
}

// handleEvent converts a websocket depth event into a raw frame.
func (r *Binance_FOBD_Reader) handleEvent(inst models.Instrument, event *futures.WsDepthEvent, log *logger.Entry) {
	evt := models.BinanceFOBDResp{
		Event:            event.Event,
		Time:             event.Time,
		TransactionTime:  event.TransactionTime,
		Symbol:           event.Symbol,
		FirstUpdateID:    event.FirstUpdateID,
		LastUpdateID:     event.LastUpdateID,
		PrevLastUpdateID: event.PrevLastUpdateID,
		Bids:             make([]models.FOBDEntry, 0, len(event.Bids)),
		Asks:             make([]models.FOBDEntry, 0, len(event.Asks)),
	}
	for _, b := range event.Bids {
		evt.Bids = append(evt.Bids, models.FOBDEntry{Price: b.Price, Quantity: b.Quantity})
	}
	for _, a := range event.Asks {
		evt.Asks = append(evt.Asks, models.FOBDEntry{Price: a.Price, Quantity: a.Quantity})
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.WithError(err).Warn("failed to marshal depth event")
		return
	}

	msg := models.RawFOBDMessage{
		Instrument: inst,
		Market:     "future-orderbook-delta",
		Data:       payload,
		Timestamp:  time.Now(),
	}
	if r.channels.SendRaw(r.ctx, msg) && log.DebugEnabled() {
		logger.LogDataFlowEntry(log, "binance_ws", "raw_channel", len(evt.Bids)+len(evt.Asks), "delta_entries")
	}
}

func (r *Binance_FOBD_Reader) streamSymbol(inst models.Instrument, interval time.Duration) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_delta_reader").WithFields(logger.Fields{
		"symbol": inst.Symbol,
		"worker": "delta_stream",
	})

	handler := func(event *futures.WsDepthEvent) {
		r.handleEvent(inst, event, log)
	}
	errHandler := func(err error) {
		if err != nil {
			log.WithError(err).Warn("websocket error")
		}
	}

	retry := r.config.Reader.Retry
	backoff := retry.BaseDelay
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		doneC, stopC, err := r.serve(inst.Symbol, interval, handler, errHandler)
		if err != nil {
			log.WithError(err).Error("failed to subscribe to diff depth stream")
		} else {
			backoff = retry.BaseDelay
			select {
			case <-r.ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
				// the engine sees the missed range as a gap on the next event
				log.Warn("diff depth stream closed, reconnecting")
			}
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; retry.MaxDelay > 0 && backoff > retry.MaxDelay {
			backoff = retry.MaxDelay
		}
	}
}
