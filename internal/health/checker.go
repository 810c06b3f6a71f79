// Package health periodically probes the configured PostgreSQL server and
// reports its status to the API and metrics. Informational only: it never
// gates acquisition.
package health

import (
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pgfunnel/pgfunnel/internal/metrics"
	"github.com/pgfunnel/pgfunnel/internal/wire"
)

// Status represents the backend server's health.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Report is the checker's current view of the backend.
type Report struct {
	Status              Status    `json:"-"`
	StatusText          string    `json:"status"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker probes the backend server on a fixed interval.
type Checker struct {
	host             string
	port             int
	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int

	metrics *metrics.Collector

	mu     sync.RWMutex
	report Report

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker for the backend at host:port.
func NewChecker(host string, port int, interval time.Duration, m *metrics.Collector) *Checker {
	return &Checker{
		host:             host,
		port:             port,
		interval:         interval,
		probeTimeout:     3 * time.Second,
		failureThreshold: 3,
		metrics:          m,
		report:           Report{Status: StatusUnknown, StatusText: StatusUnknown.String()},
		stopCh:           make(chan struct{}),
	}
}

// Start begins periodic probing.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	slog.Info("health checker started", "target", net.JoinHostPort(c.host, strconv.Itoa(c.port)), "interval", c.interval)
}

// Stop stops the checker. Safe to call multiple times.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	slog.Info("health checker stopped")
}

// Report returns the current health view.
func (c *Checker) Report() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// IsHealthy reports whether the backend passed its last probes.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report.Status != StatusUnhealthy
}

func (c *Checker) run() {
	// Probe immediately on start.
	c.check()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.check()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Checker) check() {
	ok, probeErr := c.probe()

	c.mu.Lock()
	c.report.LastCheck = time.Now()
	if ok {
		c.report.ConsecutiveFailures = 0
		c.report.Status = StatusHealthy
		c.report.LastError = ""
	} else {
		c.report.ConsecutiveFailures++
		if probeErr != nil {
			c.report.LastError = probeErr.Error()
		}
		if c.report.ConsecutiveFailures >= c.failureThreshold {
			if c.report.Status != StatusUnhealthy {
				slog.Warn("backend unhealthy", "failures", c.report.ConsecutiveFailures, "err", c.report.LastError)
			}
			c.report.Status = StatusUnhealthy
		}
	}
	c.report.StatusText = c.report.Status.String()
	status := c.report.Status
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetBackendHealthy(status != StatusUnhealthy)
	}
}

// probe opens a TCP connection and sends a minimal startup message. Any
// protocol-shaped reply (Authentication, ErrorResponse, even a TLS refusal
// path) proves a PostgreSQL server is answering; silence or a reset does
// not.
func (c *Checker) probe() (bool, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := net.DialTimeout("tcp", addr, c.probeTimeout)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.probeTimeout))

	startup := wire.BuildStartup(map[string]string{"user": "pgfunnel_health"})
	if _, err := conn.Write(startup); err != nil {
		return false, err
	}

	// One reply byte is enough: 'R', 'E' and 'N' all mean a PostgreSQL
	// server spoke back.
	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return false, err
	}
	return true, nil
}
