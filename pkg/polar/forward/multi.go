package forward

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gopolar/pkg/polar/webhook"
)

// Multi delivers each event to all listeners concurrently and waits for
// them. The first error is returned after every listener finished.
func Multi(listeners ...webhook.Listener) webhook.Listener {
	return webhook.ListenerFunc(func(ctx context.Context, e webhook.Event) error {
		g, gctx := errgroup.WithContext(ctx)
		for _, l := range listeners {
			g.Go(func() error {
				return l.Handle(gctx, e)
			})
		}
		return g.Wait()
	})
}
