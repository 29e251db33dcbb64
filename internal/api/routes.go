package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (h *Handler) Routes(m *Middleware, corsOrigins []string, rateLimitRPM int) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(m.Compress)
	r.Use(middleware.Heartbeat("/ping"))

	// CORS and rate limiting - configured from main
	r.Use(m.CORS(corsOrigins))
	r.Use(m.RateLimit(rateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	// Media blobs go out by storage key; uploads live under /v1.
	r.Get("/media/{key}", h.ServeMedia)

	// v1 API routes
	r.Route("/v1", func(r chi.Router) {
		// Live updates skip the timeout wrapper: a timeout-wrapped
		// ResponseWriter can neither hijack nor stream. Both handlers
		// authenticate their own token.
		r.Get("/ws", h.HandleWebSocket)
		r.Get("/stream", h.HandleSSE)

		r.Group(func(r chi.Router) {
			r.Use(m.Timeout(15 * time.Second))

			// Auth
			r.Route("/auth", func(r chi.Router) {
				r.Post("/register", h.Register)
				r.Post("/login", h.Login)
				r.Post("/refresh", h.Refresh)
				r.Post("/logout", h.Logout)
			})

			// Categories are readable without an account
			r.Get("/categories", h.ListCategories)

			// Everything below needs a signed-in user
			r.Group(func(r chi.Router) {
				r.Use(m.Authenticate(h.authSvc))

				r.Route("/users/me", func(r chi.Router) {
					r.Get("/", h.GetMe)
					r.Patch("/display-name", h.UpdateDisplayName)
					r.Put("/location", h.SetLocation)
					r.Delete("/location", h.ClearLocation)
					r.Get("/communities", h.GetMyCommunities)
				})

				r.Route("/communities", func(r chi.Router) {
					r.Get("/{index}", h.GetCommunity)
					r.Get("/{index}/posts", h.ListCommunityPosts)
					r.With(m.RequireStaff(h.authSvc)).Patch("/{index}", h.RenameCommunity)
				})

				r.Get("/feed", h.GetFeed)

				r.Route("/posts", func(r chi.Router) {
					r.Post("/", h.CreatePost)
					r.Get("/{id}", h.GetPost)
					r.Patch("/{id}", h.UpdatePost)
					r.Post("/{id}/offers", h.CreateOffer)
					r.Get("/{id}/offers", h.ListPostOffers)
				})

				r.Route("/offers", func(r chi.Router) {
					r.Get("/mine", h.ListMyOffers)
					r.Get("/{id}", h.GetOffer)
					r.Post("/{id}/accept", h.AcceptOffer)
					r.Post("/{id}/decline", h.DeclineOffer)
					r.Post("/{id}/withdraw", h.WithdrawOffer)
				})

				r.Route("/points", func(r chi.Router) {
					r.Get("/balance", h.GetBalance)
					r.Get("/ledger", h.GetLedger)
					r.Get("/purchase-options", h.GetPurchaseOptions)
					r.Post("/purchase", h.Purchase)
					r.Post("/transfer", h.Transfer)
				})

				// Delegation pairing goes through the function-call
				// shape clients already speak.
				r.Post("/functions/delegation", h.DelegationFunction)
				r.Route("/delegations", func(r chi.Router) {
					r.Get("/", h.ListDelegations)
					r.Delete("/{id}", h.RevokeDelegation)
				})

				r.Route("/feedback", func(r chi.Router) {
					r.Post("/", h.CreateFeedback)
					r.Get("/", h.ListFeedback)
					r.Get("/{id}", h.GetFeedbackTicket)
					r.With(m.RequireStaff(h.authSvc)).Patch("/{id}/status", h.SetFeedbackStatus)
				})

				r.Route("/media", func(r chi.Router) {
					r.Post("/", h.UploadMedia)
					r.Get("/{id}", h.GetMedia)
				})

				// Staff category management
				r.Group(func(r chi.Router) {
					r.Use(m.RequireStaff(h.authSvc))

					r.Get("/categories/restrictions", h.ListCategoryRestrictions)
					r.Put("/categories/restrictions", h.SetCategoryRestriction)
				})
			})
		})
	})

	return r
}
