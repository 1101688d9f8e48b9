package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/msingigym/backend/internal/access"
	"github.com/msingigym/backend/internal/auth"
	"github.com/msingigym/backend/internal/config"
	"github.com/msingigym/backend/internal/daraja"
	"github.com/msingigym/backend/internal/database"
	"github.com/msingigym/backend/internal/dispatch"
	gymHttp "github.com/msingigym/backend/internal/http"
	adminHandler "github.com/msingigym/backend/internal/http/admin"
	memberHandler "github.com/msingigym/backend/internal/http/member"
	paymentHandler "github.com/msingigym/backend/internal/http/payment"
	"github.com/msingigym/backend/internal/membership"
	membershipStore "github.com/msingigym/backend/internal/membership/store"
	"github.com/msingigym/backend/internal/notify"
	"github.com/msingigym/backend/internal/payment"
	paymentStore "github.com/msingigym/backend/internal/payment/store"
	"github.com/msingigym/backend/internal/poller"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	log := slog.Default()

	gateway := daraja.New(daraja.Config{
		BaseURL:        cfg.Mpesa.BaseURL,
		ConsumerKey:    cfg.Mpesa.ConsumerKey,
		ConsumerSecret: cfg.Mpesa.ConsumerSecret,
		ShortCode:      cfg.Mpesa.ShortCode,
		Passkey:        cfg.Mpesa.Passkey,
		CallbackURL:    cfg.Mpesa.CallbackURL,
	})

	var provisioner dispatch.Provisioner = access.Disabled{}
	if cfg.Axtrax.Enabled {
		provisioner = access.New(access.Config{
			BaseURL:  cfg.Axtrax.BaseURL,
			Username: cfg.Axtrax.Username,
			Password: cfg.Axtrax.Password,
		})
	}

	var notifier dispatch.Notifier = notify.Noop{}
	if cfg.SMS.Enabled {
		notifier = notify.NewSMS(notify.Config{
			BaseURL:  cfg.SMS.BaseURL,
			APIKey:   cfg.SMS.APIKey,
			SenderID: cfg.SMS.SenderID,
		})
	}

	var (
		membershipService = membership.NewService(
			membershipStore.New(db),
			time.Duration(cfg.Membership.DurationDays)*24*time.Hour,
			log,
		)
		dispatcher     = dispatch.New(membershipService, provisioner, notifier, log)
		paymentService = payment.NewService(
			paymentStore.New(db),
			gateway,
			dispatcher,
			cfg.Poll.MaxAttempts,
			log,
		)
		authService = auth.NewService(cfg.Admin.JWTSecret, cfg.Admin.Username, cfg.Admin.Password)
	)

	var (
		memberH  = memberHandler.NewHandler(membershipService, paymentService, cfg.AmountFor)
		paymentH = paymentHandler.NewHandler(paymentService)
		adminH   = adminHandler.NewHandler(membershipService, paymentService, authService)
	)

	router := gymHttp.New(memberH, paymentH, adminH, authService)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollScheduler := poller.New(paymentService, cfg.Poll.Interval, cfg.Poll.Grace, log)
	go pollScheduler.Run(ctx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		slog.Info("starting server", "port", server.Addr)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}
