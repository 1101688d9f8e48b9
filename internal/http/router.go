package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/msingigym/backend/internal/auth"
	"github.com/msingigym/backend/internal/http/admin"
	"github.com/msingigym/backend/internal/http/member"
	"github.com/msingigym/backend/internal/http/payment"
)

func New(
	membersV1 *member.Handler,
	paymentsV1 *payment.Handler,
	adminV1 *admin.Handler,
	authSvc *auth.Service,
) http.Handler {
	router := chi.NewRouter()

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	router.Route("/api/v1", func(r chi.Router) {
		r.Route("/members", func(r chi.Router) {
			membersV1.Routes(r)
		})

		// The gateway posts callbacks here; no content-type middleware, the
		// handler must accept whatever Daraja sends.
		r.Route("/payments", paymentsV1.Routes)

		r.Route("/auth", adminV1.AuthRoutes)

		r.Route("/admin", func(r chi.Router) {
			r.Use(authSvc.Middleware)
			adminV1.Routes(r)
		})
	})

	return router
}
