package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"bookflow/config"
	ratemetrics "bookflow/internal/metrics/rate"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"
	"bookflow/reader"

	futures "github.com/adshao/go-binance/v2/futures"
)

// Binance_FOBS_Reader fetches futures depth snapshots through one source IP.
type Binance_FOBS_Reader struct {
	config      *config.Config
	client      *futures.Client
	http        *http.Client
	log         *logger.Log
	localIP     string
	weightLimit atomic.Int64
}

// Binance_FOBS_NewReader creates a snapshot reader. Outbound connections bind
// to localIP when it is not empty.
func Binance_FOBS_NewReader(cfg *config.Config, localIP string) *Binance_FOBS_Reader {
	log := logger.GetLogger()

	httpClient := reader.NewHTTPClient(cfg.Source.Binance.ConnectionPool, cfg.Reader.Timeout, localIP)

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient

	snapshotCfg := cfg.Source.Binance.Snapshot
	if parsed, err := url.Parse(snapshotCfg.URL); err == nil && parsed.Host != "" {
		client.BaseURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	log.WithComponent("binance_snapshot_reader").WithFields(logger.Fields{
		"ip":                 localIP,
		"max_idle_conns":     cfg.Source.Binance.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.Source.Binance.ConnectionPool.MaxConnsPerHost,
		"timeout":            cfg.Reader.Timeout,
	}).Info("binance snapshot reader initialized")

	return &Binance_FOBS_Reader{
		config:  cfg,
		client:  client,
		http:    httpClient,
		log:     log,
		localIP: localIP,
	}
}

// LoadWeightLimit reads the REQUEST_WEIGHT limit from exchangeInfo so used
// weight can be reported against it.
func (br *Binance_FOBS_Reader) LoadWeightLimit(ctx context.Context) {
	limit, err := ratemetrics.FetchRequestWeightLimit(ctx, br.client)
	if err != nil {
		br.log.WithComponent("binance_snapshot_reader").WithError(err).Warn("failed to fetch request weight limit")
		return
	}
	br.weightLimit.Store(limit)
}

// Fetch requests one depth snapshot. It satisfies reader.FetchFunc.
func (br *Binance_FOBS_Reader) Fetch(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
	snapshotCfg := br.config.Source.Binance.Snapshot
	log := br.log.WithComponent("binance_snapshot_reader").WithFields(logger.Fields{
		"symbol":    inst.Symbol,
		"operation": "fetch_orderbook",
	})

	q := url.Values{}
	q.Set("symbol", inst.Symbol)
	if snapshotCfg.Limit > 0 {
		q.Set("limit", fmt.Sprint(snapshotCfg.Limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snapshotCfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	resp, err := br.http.Do(req)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("fetch orderbook: %w", err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(log, "binance_snapshot_reader", "api_request", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	ratemetrics.ReportSnapshotWeight(br.log, resp.Header, br.localIP, br.weightLimit.Load())

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Snapshot{}, fmt.Errorf("binance depth %s: status %d: %s", inst.Symbol, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read orderbook: %w", err)
	}
	var binanceResp models.BinanceFOBSResp
	if err := json.Unmarshal(body, &binanceResp); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode orderbook: %w", err)
	}

	snap, err := processor.BinanceSnapshot(inst, binanceResp, time.Now().UTC())
	if err != nil {
		return models.Snapshot{}, err
	}
	logger.IncrementSnapshotRead(len(body))
	logger.LogDataFlowEntry(log, "binance_api", "engine", len(snap.Bids)+len(snap.Asks), "orderbook_entries")
	return snap, nil
}
