package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	appconfig "bookflow/config"
	fobd "bookflow/internal/channel/fobd"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
)

const defaultFuturesEndpoint = "https://api-futures.kucoin.com"

// Kucoin_FOBD_Reader streams futures level2 increments from KuCoin.
type Kucoin_FOBD_Reader struct {
	config      *appconfig.Config
	channels    *fobd.Channels
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	instruments []models.Instrument
}

// Kucoin_FOBD_NewReader creates a delta reader for the supplied instruments.
func Kucoin_FOBD_NewReader(cfg *appconfig.Config, ch *fobd.Channels, instruments []models.Instrument) *Kucoin_FOBD_Reader {
	return &Kucoin_FOBD_Reader{
		config:      cfg,
		channels:    ch,
		wg:          &sync.WaitGroup{},
		log:         logger.GetLogger(),
		instruments: instruments,
	}
}

// Kucoin_FOBD_Start subscribes to level2 streams for all instruments over one
// public futures websocket.
func (r *Kucoin_FOBD_Reader) Kucoin_FOBD_Start(ctx context.Context) error {
	cfg := r.config.Source.Kucoin.Delta
	log := r.log.WithComponent("kucoin_delta_reader").WithFields(logger.Fields{"operation": "Kucoin_FOBD_Start"})

	if !cfg.Enabled {
		log.Warn("kucoin futures orderbook delta is disabled")
		return fmt.Errorf("kucoin futures orderbook delta is disabled")
	}
	if len(r.instruments) == 0 {
		log.Warn("no symbols configured for kucoin futures orderbook delta")
		return fmt.Errorf("no symbols configured for kucoin futures orderbook delta")
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("delta reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log.WithFields(logger.Fields{"symbols": len(r.instruments)}).Info("starting delta reader")

	r.wg.Add(1)
	go r.stream(cfg.URL)
	return nil
}

// Kucoin_FOBD_Stop waits for the websocket to close after the start context is
// cancelled.
func (r *Kucoin_FOBD_Reader) Kucoin_FOBD_Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("kucoin_delta_reader").Info("stopping delta reader")
	r.wg.Wait()
	r.log.WithComponent("kucoin_delta_reader").Info("delta reader stopped")
}

// handleIncrement converts one level2 increment into a raw frame. It returns
// an error only when the reader is shutting down.
func (r *Kucoin_FOBD_Reader) handleIncrement(inst models.Instrument, data *futurespublic.OrderbookIncrementEvent, log *logger.Entry) error {
	evt := models.KucoinFOBDResp{
		Symbol:    inst.Symbol,
		Sequence:  data.Sequence,
		Timestamp: data.Timestamp,
	}

	side, price, quantity, err := processor.ParseKucoinChange(data.Change)
	if err != nil {
		log.WithError(err).Warn("dropping unparseable change")
		return nil
	}
	entry := models.FOBDEntry{Price: price, Quantity: quantity}
	if side == "buy" {
		evt.Bids = []models.FOBDEntry{entry}
	} else {
		evt.Asks = []models.FOBDEntry{entry}
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		log.WithError(err).Warn("failed to marshal event")
		return nil
	}

	msg := models.RawFOBDMessage{
		Instrument: inst,
		Market:     "future-orderbook-delta",
		Data:       payload,
		Timestamp:  time.Now(),
	}
	if r.channels.SendRaw(r.ctx, msg) {
		if log.DebugEnabled() {
			log.WithFields(logger.Fields{"payload_bytes": len(payload)}).Debug("delta message forwarded to raw channel")
		}
		return nil
	}
	if r.ctx.Err() != nil {
		return fmt.Errorf("context cancelled")
	}
	return nil
}

func (r *Kucoin_FOBD_Reader) stream(wsURL string) {
	defer r.wg.Done()

	pool := r.config.Source.Kucoin.ConnectionPool

	baseURL := defaultFuturesEndpoint
	if parsed, err := url.Parse(wsURL); err == nil && parsed.Host != "" {
		baseURL = fmt.Sprintf("https://%s", parsed.Host)
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(pool.MaxIdleConns).
		SetMaxIdleConnsPerHost(pool.MaxIdleConns).
		SetMaxConnsPerHost(pool.MaxConnsPerHost).
		SetIdleConnTimeout(pool.IdleConnTimeout).
		SetTimeout(r.config.Reader.Timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		WithWebSocketClientOption(sdktype.NewWebSocketClientOptionBuilder().Build()).
		Build()

	log := r.log.WithComponent("kucoin_delta_reader").WithFields(logger.Fields{
		"worker": "delta_stream",
	})

	client := sdkapi.NewClient(option)
	ws := client.WsService().NewFuturesPublicWS()

	retry := r.config.Reader.Retry
	backoff := retry.BaseDelay
	if backoff <= 0 {
		backoff = time.Second
	}
	for {
		err := ws.Start()
		if err == nil {
			break
		}
		log.WithError(err).Warn("failed to start websocket, retrying")
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; retry.MaxDelay > 0 && backoff > retry.MaxDelay {
			backoff = retry.MaxDelay
		}
	}
	defer ws.Stop()

	for _, inst := range r.instruments {
		inst := inst
		symLog := log.WithFields(logger.Fields{"symbol": inst.Symbol})
		_, err := ws.OrderbookIncrement(inst.Symbol, func(_, _ string, data *futurespublic.OrderbookIncrementEvent) error {
			return r.handleIncrement(inst, data, symLog)
		})
		if err != nil {
			symLog.WithError(err).Warn("failed to subscribe")
		}
	}

	<-r.ctx.Done()
}
