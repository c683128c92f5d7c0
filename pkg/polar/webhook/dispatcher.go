package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Storage holds the local mirror (required).
	Storage polar.Storage

	// Publisher receives every emitted event. Defaults to an empty Bus.
	Publisher Publisher

	// Loader maps billable references to application models. Defaults to
	// polar.RefLoader.
	Loader polar.BillableLoader

	Reconciler ReconcilerConfig

	Logger polar.Logger
}

// Dispatcher is the entry point of the pipeline: it routes a delivery to its
// handler and emits the lifecycle events around it. It keeps no state
// between deliveries.
type Dispatcher struct {
	publisher  Publisher
	resolver   *Resolver
	reconciler *Reconciler
	logger     polar.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("%w: dispatcher requires storage", polar.ErrProviderNotConfigured)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &polar.NoopLogger{}
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = NewBus()
	}
	rc := cfg.Reconciler
	if rc.Logger == nil {
		rc.Logger = logger
	}
	return &Dispatcher{
		publisher:  publisher,
		resolver:   NewResolver(cfg.Storage, cfg.Loader),
		reconciler: NewReconciler(cfg.Storage, rc),
		logger:     logger,
	}, nil
}

// IsKnownEventType reports whether the dispatcher has a handler for t.
func IsKnownEventType(t string) bool {
	for _, known := range KnownEventTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Dispatch processes one delivery. WebhookReceived is emitted first and
// WebhookHandled last. Unknown event types and updates for aggregates not
// known locally succeed without a typed event. Every other error, including
// listener errors, is returned so the delivery can be retried.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	meta := Meta{Type: env.Type, Timestamp: env.Timestamp}
	if err := d.publisher.Publish(ctx, WebhookReceived{Meta: meta, Payload: env.Raw}); err != nil {
		return err
	}
	if err := d.route(ctx, env, meta); err != nil {
		return err
	}
	return d.publisher.Publish(ctx, WebhookHandled{Meta: meta, Payload: env.Raw})
}

func (d *Dispatcher) route(ctx context.Context, env Envelope, meta Meta) error {
	switch env.Type {
	case EventOrderCreated:
		return d.orderCreated(ctx, env, meta)
	case EventOrderUpdated:
		return d.orderUpdated(ctx, env, meta)
	case EventSubscriptionCreated:
		return d.subscriptionCreated(ctx, env, meta)
	case EventSubscriptionUpdated:
		return d.subscriptionSynced(ctx, env, meta, func(e SubscriptionEvent) Event { return SubscriptionUpdated{e} })
	case EventSubscriptionActive:
		return d.subscriptionSynced(ctx, env, meta, func(e SubscriptionEvent) Event { return SubscriptionActive{e} })
	case EventSubscriptionCanceled:
		return d.subscriptionSynced(ctx, env, meta, func(e SubscriptionEvent) Event { return SubscriptionCanceled{e} })
	case EventSubscriptionRevoked:
		return d.subscriptionSynced(ctx, env, meta, func(e SubscriptionEvent) Event { return SubscriptionRevoked{e} })
	case EventBenefitGrantCreated:
		return d.benefitGrant(ctx, env, meta, func(e BenefitGrantEvent) Event { return BenefitGrantCreated{e} })
	case EventBenefitGrantUpdated:
		return d.benefitGrant(ctx, env, meta, func(e BenefitGrantEvent) Event { return BenefitGrantUpdated{e} })
	case EventBenefitGrantRevoked:
		return d.benefitGrant(ctx, env, meta, func(e BenefitGrantEvent) Event { return BenefitGrantRevoked{e} })
	case EventCheckoutCreated:
		return emit(ctx, d, env, func(p *Checkout) Event { return CheckoutCreated{meta, p} })
	case EventCheckoutUpdated:
		return emit(ctx, d, env, func(p *Checkout) Event { return CheckoutUpdated{meta, p} })
	case EventCustomerCreated:
		return emit(ctx, d, env, func(p *Customer) Event { return CustomerCreated{meta, p} })
	case EventCustomerUpdated:
		return emit(ctx, d, env, func(p *Customer) Event { return CustomerUpdated{meta, p} })
	case EventCustomerDeleted:
		return emit(ctx, d, env, func(p *Customer) Event { return CustomerDeleted{meta, p} })
	case EventCustomerStateChanged:
		return emit(ctx, d, env, func(p *CustomerState) Event { return CustomerStateChanged{meta, p} })
	case EventProductCreated:
		return emit(ctx, d, env, func(p *Product) Event { return ProductCreated{meta, p} })
	case EventProductUpdated:
		return emit(ctx, d, env, func(p *Product) Event { return ProductUpdated{meta, p} })
	case EventBenefitCreated:
		return emit(ctx, d, env, func(p *Benefit) Event { return BenefitCreated{meta, p} })
	case EventBenefitUpdated:
		return emit(ctx, d, env, func(p *Benefit) Event { return BenefitUpdated{meta, p} })
	default:
		d.logger.Info("unknown webhook event type", polar.Field{Key: "type", Value: env.Type})
		return nil
	}
}

func (d *Dispatcher) orderCreated(ctx context.Context, env Envelope, meta Meta) error {
	p, err := decodeAs[*Order](env)
	if err != nil {
		return err
	}
	owner, customer, err := d.resolver.Resolve(ctx, env.Data)
	if err != nil {
		return err
	}
	order, err := d.reconciler.CreateOrder(ctx, customer.Billable, p, env.Timestamp)
	if err != nil {
		return d.skipRecoverable(err, env)
	}
	return d.publisher.Publish(ctx, OrderCreated{OrderEvent{meta, owner, order, p}})
}

func (d *Dispatcher) orderUpdated(ctx context.Context, env Envelope, meta Meta) error {
	p, err := decodeAs[*Order](env)
	if err != nil {
		return err
	}
	owner, _, err := d.resolver.Resolve(ctx, env.Data)
	if err != nil {
		return err
	}
	order, err := d.reconciler.UpdateOrder(ctx, p, env.Timestamp)
	if err != nil {
		return d.skipRecoverable(err, env)
	}
	return d.publisher.Publish(ctx, OrderUpdated{
		OrderEvent: OrderEvent{meta, owner, order, p},
		IsRefunded: p.Status.IsRefunded(),
	})
}

func (d *Dispatcher) subscriptionCreated(ctx context.Context, env Envelope, meta Meta) error {
	p, err := decodeAs[*Subscription](env)
	if err != nil {
		return err
	}
	owner, customer, err := d.resolver.Resolve(ctx, env.Data)
	if err != nil {
		return err
	}
	sub, err := d.reconciler.CreateSubscription(ctx, customer.Billable, customer, p, env.Timestamp)
	if err != nil {
		return d.skipRecoverable(err, env)
	}
	return d.publisher.Publish(ctx, SubscriptionCreated{SubscriptionEvent{meta, owner, sub, p}})
}

// subscriptionSynced handles the update-like subscription events. Payloads
// embedding a customer are resolved from its metadata; bare payloads are
// attributed to the owner of the stored subscription.
func (d *Dispatcher) subscriptionSynced(ctx context.Context, env Envelope, meta Meta, build func(SubscriptionEvent) Event) error {
	p, err := decodeAs[*Subscription](env)
	if err != nil {
		return err
	}
	var owner polar.Billable
	if HasCustomer(env.Data) {
		if owner, _, err = d.resolver.Resolve(ctx, env.Data); err != nil {
			return err
		}
	}
	sub, err := d.reconciler.SyncSubscription(ctx, p, env.Timestamp)
	if err != nil {
		return d.skipRecoverable(err, env)
	}
	if owner == nil {
		if owner, err = d.resolver.Load(ctx, sub.Billable); err != nil {
			return err
		}
	}
	return d.publisher.Publish(ctx, build(SubscriptionEvent{meta, owner, sub, p}))
}

func (d *Dispatcher) benefitGrant(ctx context.Context, env Envelope, meta Meta, build func(BenefitGrantEvent) Event) error {
	p, err := decodeAs[*BenefitGrant](env)
	if err != nil {
		return err
	}
	owner, _, err := d.resolver.Resolve(ctx, env.Data)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, build(BenefitGrantEvent{meta, owner, p}))
}

func emit[T Payload](ctx context.Context, d *Dispatcher, env Envelope, build func(T) Event) error {
	p, err := decodeAs[T](env)
	if err != nil {
		return err
	}
	return d.publisher.Publish(ctx, build(p))
}

// skipRecoverable logs and swallows reconcile errors that must not fail the
// delivery.
func (d *Dispatcher) skipRecoverable(err error, env Envelope) error {
	switch {
	case errors.Is(err, polar.ErrOrderExists), errors.Is(err, polar.ErrSubscriptionExists):
		d.logger.Info("webhook aggregate already stored, skipping",
			polar.Field{Key: "type", Value: env.Type},
			polar.ErrorField(err))
		return nil
	case errors.Is(err, polar.ErrOrderNotFound), errors.Is(err, polar.ErrSubscriptionNotFound):
		d.logger.Info("webhook references unknown aggregate, skipping",
			polar.Field{Key: "type", Value: env.Type},
			polar.ErrorField(err))
		return nil
	case errors.Is(err, ErrStaleEvent):
		d.logger.Warn("stale webhook event, skipping",
			polar.Field{Key: "type", Value: env.Type},
			polar.Field{Key: "timestamp", Value: env.Timestamp},
			polar.ErrorField(err))
		return nil
	default:
		return err
	}
}

func decodeAs[T Payload](env Envelope) (T, error) {
	var zero T
	p, err := Decode(env.Type, env.Data)
	if err != nil {
		return zero, err
	}
	t, ok := p.(T)
	if !ok {
		return zero, &polar.DecodeError{EventType: env.Type, Err: fmt.Errorf("unexpected payload %T", p)}
	}
	return t, nil
}
