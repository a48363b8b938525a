package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

const checkTimeout = 5 * time.Second

// PingFunc reports whether a dependency is reachable.
type PingFunc func(ctx context.Context) error

// Checker serves /live and /ready style endpoints. Readiness fails while any
// registered dependency cannot be pinged.
type Checker struct {
	handler healthcheck.Handler
}

// New builds the checker. When reg is non-nil each check result is also
// exported as a gauge in the mailslot namespace.
func New(reg prometheus.Registerer) *Checker {
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, "mailslot")
	} else {
		h = healthcheck.NewHandler()
	}
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	return &Checker{handler: h}
}

func (c *Checker) AddReadiness(name string, ping PingFunc) {
	c.handler.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return ping(ctx)
	})
}

func (c *Checker) Live(w http.ResponseWriter, r *http.Request) {
	c.handler.LiveEndpoint(w, r)
}

func (c *Checker) Ready(w http.ResponseWriter, r *http.Request) {
	c.handler.ReadyEndpoint(w, r)
}
