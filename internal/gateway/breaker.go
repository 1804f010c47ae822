package gateway

import (
	"go.uber.org/zap"

	"github.com/SkynetNext/grid-gateway/internal/circuitbreaker"
)

// watchBreaker exports the breaker state and logs every transition. It must
// run before the breaker is shared.
func (g *Gateway) watchBreaker(b *circuitbreaker.Breaker) {
	gauge := g.metrics.CircuitBreakerState.WithLabelValues(b.Name())
	gauge.Set(float64(b.State()))
	b.OnStateChange = func(name string, to circuitbreaker.State) {
		gauge.Set(float64(to))
		if to == circuitbreaker.StateOpen {
			g.log.Warn("Circuit breaker opened", zap.String("backend", name))
			return
		}
		g.log.Info("Circuit breaker state changed",
			zap.String("backend", name),
			zap.Stringer("state", to))
	}
}
