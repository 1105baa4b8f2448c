// Package decisionapi implements the REST API of the paywall decision core.
// It serves one core instance: rule evaluation, presentation requests and
// their dismissal, and the subscription status fed by the host.
package decisionapi

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-chi/render"

	"github.com/rafaeljc/paygate/internal/presentation"
	"github.com/rafaeljc/paygate/internal/session"
	"github.com/rafaeljc/paygate/internal/surface"
	"github.com/rafaeljc/paygate/internal/trigger"
)

// Decider is the presentation surface of the core.
type Decider interface {
	EvaluateRules(ctx context.Context, event trigger.Event) trigger.Outcome
	GetPresentationResult(ctx context.Context, event trigger.Event) presentation.Result
	Present(ctx context.Context, req presentation.Request) presentation.State
	Dismiss(ctx context.Context, result presentation.DismissResult) (presentation.Info, error)
	Current() (presentation.Info, bool)
}

// SubscriptionSetter receives subscription status updates from the host.
type SubscriptionSetter interface {
	Set(status presentation.SubscriptionStatus)
}

// SessionSource exposes the active trigger session.
type SessionSource interface {
	Current() (session.Active, bool)
}

// Dependencies are the collaborators of the API. All are mandatory.
type Dependencies struct {
	Decisions    Decider
	Subscription SubscriptionSetter
	Sessions     SessionSource
}

// Options tune the middleware stack.
type Options struct {
	// RateLimit is the number of requests per client IP per RateWindow.
	// Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// API holds the router and the dependencies of the decision endpoints.
type API struct {
	// Router is the Chi multiplexer that handles HTTP requests.
	Router *chi.Mux

	logger    *slog.Logger
	deps      Dependencies
	opts      Options
	presenter presentation.Presenter
	now       func() time.Time
}

// NewAPI creates the API and registers its routes.
// If logger is nil, it defaults to slog.Default(). It panics when a
// dependency is nil.
func NewAPI(logger *slog.Logger, deps Dependencies, opts Options) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Decisions == nil {
		panic("decisionapi: decider cannot be nil")
	}
	if deps.Subscription == nil {
		panic("decisionapi: subscription setter cannot be nil")
	}
	if deps.Sessions == nil {
		panic("decisionapi: session source cannot be nil")
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Second
	}

	api := &API{
		Router: chi.NewRouter(),
		logger: logger,
		deps:   deps,
		opts:   opts,
		now:    time.Now,
	}
	api.presenter = presentation.PresenterFunc(api.handOver)

	api.configureRoutes()
	return api
}

// configureRoutes registers the global middleware stack and API endpoints.
func (a *API) configureRoutes() {
	a.Router.Use(middleware.RealIP)
	a.Router.Use(a.RequestLogger)
	a.Router.Use(Metrics)
	a.Router.Use(middleware.Recoverer)
	if a.opts.RateLimit > 0 {
		a.Router.Use(httprate.LimitByIP(a.opts.RateLimit, a.opts.RateWindow))
	}
	a.Router.Use(render.SetContentType(render.ContentTypeJSON))

	a.Router.Route("/v1", func(r chi.Router) {
		r.Post("/rules/evaluate", a.handleEvaluateRules)

		r.Route("/presentations", func(r chi.Router) {
			r.Post("/", a.handleRequestPresentation)
			r.Post("/result", a.handlePresentationResult)
			r.Post("/dismiss", a.handleDismiss)
			r.Get("/current", a.handleCurrentPresentation)
		})

		r.Put("/subscription-status", a.handleSubscriptionStatus)
		r.Get("/sessions/active", a.handleActiveSession)
	})
}

// handOver is the presenter of HTTP presentations: the surface travels back
// in the response and the client displays it.
func (a *API) handOver(ctx context.Context, s *surface.Surface, info presentation.Info) error {
	a.logger.Debug("surface handed to client",
		slog.String("event_name", info.EventName),
		slog.String("paywall_id", s.PaywallID),
		slog.String("instance_id", s.InstanceID),
	)
	return ctx.Err()
}
