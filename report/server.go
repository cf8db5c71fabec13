// Package report serves the ledger read-only over HTTP for external
// reporting. It formats nothing; every response is the stored data as JSON.
package report

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rustyeddy/tradecycle/ledger"
	"github.com/rustyeddy/tradecycle/pkg/logger"
	"github.com/sirupsen/logrus"
)

// DefaultEquityLimit is how many equity points /v1/equity returns when
// the caller does not ask for a limit.
const DefaultEquityLimit = 1000

// maxEntries bounds /v1/entries responses.
const maxEntries = 5000

// History is the read side of *ledger.Ledger.
type History interface {
	ReadHistory(ctx context.Context, r ledger.CycleRange) iter.Seq2[ledger.Entry, error]
	EquitySeries(ctx context.Context, from, to time.Time, limit int) ([]ledger.EquitySample, error)
}

type Server struct {
	hist History
	log  logrus.FieldLogger
}

func New(hist History, log logrus.FieldLogger) *Server {
	return &Server{hist: hist, log: logger.OrStandard(log).WithField("component", "report")}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	v1 := r.Group("/v1")
	v1.GET("/entries", s.handleEntries)
	v1.GET("/cycles/:id", s.handleCycle)
	v1.GET("/equity", s.handleEquity)

	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("report server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type entriesResponse struct {
	Entries   []ledger.Entry `json:"entries"`
	Truncated bool           `json:"truncated,omitempty"`
}

func (s *Server) handleEntries(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	limit, ok := intParam(c, "limit", maxEntries)
	if !ok {
		return
	}
	if limit > maxEntries {
		limit = maxEntries
	}
	resp, err := s.collect(c.Request.Context(), ledger.CycleRange{CycleID: c.Query("cycle"), From: from, To: to}, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCycle(c *gin.Context) {
	resp, err := s.collect(c.Request.Context(), ledger.CycleRange{CycleID: c.Param("id")}, maxEntries)
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(resp.Entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "cycle not found"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) collect(ctx context.Context, r ledger.CycleRange, limit int) (entriesResponse, error) {
	resp := entriesResponse{Entries: []ledger.Entry{}}
	for e, err := range s.hist.ReadHistory(ctx, r) {
		if err != nil {
			return entriesResponse{}, err
		}
		if len(resp.Entries) == limit {
			resp.Truncated = true
			break
		}
		resp.Entries = append(resp.Entries, e)
	}
	return resp, nil
}

func (s *Server) handleEquity(c *gin.Context) {
	from, to, ok := timeRange(c)
	if !ok {
		return
	}
	limit, ok := intParam(c, "limit", DefaultEquityLimit)
	if !ok {
		return
	}
	samples, err := s.hist.EquitySeries(c.Request.Context(), from, to, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if samples == nil {
		samples = []ledger.EquitySample{}
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.log.WithError(err).WithField("path", c.FullPath()).Error("ledger read failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger unavailable"})
}

func timeRange(c *gin.Context) (from, to time.Time, ok bool) {
	parse := func(name string) (time.Time, bool) {
		v := c.Query(name)
		if v == "" {
			return time.Time{}, true
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC3339"})
			return time.Time{}, false
		}
		return t, true
	}
	if from, ok = parse("from"); !ok {
		return
	}
	to, ok = parse("to")
	return
}

func intParam(c *gin.Context, name string, def int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return n, true
}
