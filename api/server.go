package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"bookflow/config"
	"bookflow/engine"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// Server exposes book state, operator resync, the quote websocket and
// Prometheus metrics over HTTP.
type Server struct {
	cfg        config.APIConfig
	universe   *engine.Universe
	dispatcher *engine.Dispatcher
	hub        *Hub
	sampler    *resourceSampler
	log        *logger.Log
	httpServer *http.Server
	started    time.Time
}

type bookView struct {
	engine.Status
	Quote *quoteView `json:"quote,omitempty"`
}

type quoteView struct {
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Valid     bool        `json:"valid"`
	SourceSeq int64       `json:"source_seq"`
	EventTime int64       `json:"event_time"`
	Timestamp time.Time   `json:"timestamp"`
}

func NewServer(cfg config.APIConfig, universe *engine.Universe, dispatcher *engine.Dispatcher, hub *Hub) *Server {
	cfg.Addr = normalizeAddress(cfg.Addr)
	log := logger.GetLogger()
	return &Server{
		cfg:        cfg,
		universe:   universe,
		dispatcher: dispatcher,
		hub:        hub,
		sampler:    newResourceSampler(120, 5*time.Second, "/", log),
		log:        log,
		started:    time.Now(),
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string { return s.cfg.Addr }

// Run starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.sampler.start(ctx)
	defer s.sampler.stop()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("api").WithFields(logger.Fields{"addr": s.cfg.Addr}).Info("api server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/books", s.handleBooks)
	v1.GET("/books/:exchange/:symbol", s.handleBook)
	v1.POST("/books/:exchange/:symbol/resync", s.handleResync)
	v1.GET("/resources", s.handleResources)

	if s.hub != nil {
		router.GET("/ws/quotes", s.hub.ServeWS)
	}
	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	m := s.dispatcher.Manager()
	valid := 0
	for i := 0; i < m.Len(); i++ {
		if m.IsValid(i) {
			valid++
		}
	}
	body := gin.H{
		"status":      "ok",
		"instruments": m.Len(),
		"valid":       valid,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	}
	if s.hub != nil {
		body["ws_clients"] = s.hub.Clients()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleBooks(c *gin.Context) {
	m := s.dispatcher.Manager()
	exchange := strings.ToLower(c.Query("exchange"))
	books := make([]engine.Status, 0, m.Len())
	for i := 0; i < m.Len(); i++ {
		st, err := m.Status(i)
		if err != nil {
			continue
		}
		if exchange != "" && st.Instrument.Exchange != exchange {
			continue
		}
		books = append(books, st)
	}
	c.JSON(http.StatusOK, gin.H{"books": books})
}

func (s *Server) lookup(c *gin.Context) (models.Instrument, bool) {
	inst, ok := s.universe.Lookup(c.Param("exchange"), c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
	}
	return inst, ok
}

func (s *Server) handleBook(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	m := s.dispatcher.Manager()
	st, err := m.Status(inst.Index)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	view := bookView{Status: st}
	if q, ok := m.Snapshot(inst.Index); ok {
		view.Quote = &quoteView{
			Bids:      levelPairs(q.Bids),
			Asks:      levelPairs(q.Asks),
			Valid:     q.Valid,
			SourceSeq: q.SourceSeq,
			EventTime: q.EventTimeMs,
			Timestamp: q.Timestamp,
		}
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleResync(c *gin.Context) {
	inst, ok := s.lookup(c)
	if !ok {
		return
	}
	if err := s.dispatcher.Resync(c.Request.Context(), inst.Index); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	s.log.WithComponent("api").WithFields(logger.Fields{
		"exchange": inst.Exchange,
		"symbol":   inst.Symbol,
	}).Info("operator resync requested")
	c.JSON(http.StatusAccepted, gin.H{"status": "resync queued", "instrument": inst})
}

func (s *Server) handleResources(c *gin.Context) {
	body := gin.H{"history": s.sampler.history()}
	if latest, ok := s.sampler.latest(); ok {
		body["latest"] = latest
	}
	c.JSON(http.StatusOK, body)
}

func levelPairs(levels []models.Level) [][2]string {
	out := make([][2]string, len(levels))
	for i, l := range levels {
		out[i] = [2]string{l.Price.String(), l.Quantity.String()}
	}
	return out
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, "8080")
	}
	if host == "" || host == "*" {
		host = "0.0.0.0"
	}
	if port == "" {
		port = "8080"
	}
	return net.JoinHostPort(host, port)
}
