// Package heartbeat runs the periodic liveness sweep over registered
// connections. Each tick it reaps connections that never acknowledged the
// previous probe, then clears the flag and probes again. A connection
// therefore gets a full period to answer before it is considered dead.
package heartbeat

import (
	"sync"
	"time"

	"github.com/real-rm/chatrelay/internal/registry"
	"github.com/real-rm/chatrelay/internal/util"
	"github.com/real-rm/chatrelay/internal/ws"
	"github.com/real-rm/golog"
)

// Reaper tears down a connection that failed its liveness probe
type Reaper interface {
	Reap(conn *ws.Conn, reason string)
}

// Monitor owns the sweep loop
type Monitor struct {
	reg      *registry.Registry
	reaper   Reaper
	period   time.Duration
	logger   *golog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor creates a heartbeat monitor with the given probe period
func NewMonitor(reg *registry.Registry, reaper Reaper, period time.Duration, logger *golog.Logger) *Monitor {
	return &Monitor{
		reg:    reg,
		reaper: reaper,
		period: period,
		logger: logger.WithGroup("heartbeat"),
		stop:   make(chan struct{}),
	}
}

// Start launches the sweep loop
func (m *Monitor) Start() {
	m.wg.Add(1)
	util.SafeGo(m.logger, "heartbeat-sweep", func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stop:
				return
			}
		}
	})
}

// Stop ends the sweep loop and waits for it to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	m.wg.Wait()
}

// sweep visits every registered connection once: unresponsive ones are
// reaped, the rest get their flag cleared and a fresh probe queued.
func (m *Monitor) sweep() {
	m.reg.ForEachOpen(func(c *ws.Conn) {
		if !c.Alive() {
			m.reaper.Reap(c, "heartbeat timeout")
			return
		}
		c.ClearAlive()
		c.Probe()
	})
}
