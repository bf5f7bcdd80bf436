package registry

import (
	"context"

	"github.com/spooky-finn/go-cryptomarkets-depthview/domain"
)

// pump runs broadcasts of one symbol sequentially. A pending signal absorbs
// any further ones, so a burst of book changes costs one broadcast.
type pump struct {
	notify chan struct{}
	cancel context.CancelFunc
}

func (r *Registry) startPump(symbol *domain.MarketSymbol) *pump {
	ctx, cancel := context.WithCancel(r.ctx)
	p := &pump{
		notify: make(chan struct{}, 1),
		cancel: cancel,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				r.OnRawBookChanged(ctx, symbol)
			}
		}
	}()
	return p
}

func (p *pump) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pump) stop() {
	p.cancel()
}
