package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"bookflow/config"
	"bookflow/logger"
	"bookflow/models"
	"bookflow/processor"
	"bookflow/reader"
)

// Kucoin_FOBS_Reader fetches futures level2 snapshots from KuCoin.
type Kucoin_FOBS_Reader struct {
	config      *config.Config
	client      *http.Client
	log         *logger.Log
	snapshotURL string
}

// Kucoin_FOBS_NewReader creates a snapshot reader bound to localIP when it is
// not empty.
func Kucoin_FOBS_NewReader(cfg *config.Config, localIP string) *Kucoin_FOBS_Reader {
	log := logger.GetLogger()
	snapshotCfg := cfg.Source.Kucoin.Snapshot

	r := &Kucoin_FOBS_Reader{
		config:      cfg,
		client:      reader.NewHTTPClient(cfg.Source.Kucoin.ConnectionPool, cfg.Reader.Timeout, localIP),
		log:         log,
		snapshotURL: snapshotCfg.URL,
	}

	log.WithComponent("kucoin_snapshot_reader").WithFields(logger.Fields{
		"base_url": snapshotCfg.URL,
		"ip":       localIP,
	}).Info("kucoin snapshot reader initialized")

	return r
}

// Fetch requests one level2 snapshot. It satisfies reader.FetchFunc.
func (r *Kucoin_FOBS_Reader) Fetch(ctx context.Context, inst models.Instrument) (models.Snapshot, error) {
	log := r.log.WithComponent("kucoin_snapshot_reader").WithFields(logger.Fields{
		"symbol":    inst.Symbol,
		"operation": "fetch_orderbook",
	})

	reqURL, err := url.Parse(r.snapshotURL)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("invalid snapshot URL: %w", err)
	}
	q := reqURL.Query()
	q.Set("symbol", inst.Symbol)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("build request: %w", err)
	}

	start := time.Now()
	res, err := r.client.Do(req)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("fetch orderbook: %w", err)
	}
	defer res.Body.Close()
	logger.LogPerformanceEntry(log, "kucoin_snapshot_reader", "api_request", time.Since(start), logger.Fields{
		"status": res.StatusCode,
	})

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return models.Snapshot{}, fmt.Errorf("kucoin snapshot %s: status %d: %s", inst.Symbol, res.StatusCode, string(body))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("read orderbook: %w", err)
	}
	var resp models.KucoinFOBSResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode orderbook: %w", err)
	}

	snap, err := processor.KucoinSnapshot(inst, resp, time.Now().UTC())
	if err != nil {
		return models.Snapshot{}, err
	}
	logger.IncrementSnapshotRead(len(body))
	logger.LogDataFlowEntry(log, "kucoin_api", "engine", len(snap.Bids)+len(snap.Asks), "orderbook_entries")
	return snap, nil
}
