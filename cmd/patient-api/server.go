package main

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/patients/internal/config"
	"github.com/ehr/patients/internal/domain/patient"
	"github.com/ehr/patients/internal/platform/auth"
	"github.com/ehr/patients/internal/platform/db"
	"github.com/ehr/patients/internal/platform/middleware"
	"github.com/ehr/patients/internal/platform/telemetry"
)

const version = "0.1.0"

type serverDeps struct {
	cfg       *config.Config
	logger    zerolog.Logger
	handler   *patient.Handler
	telemetry *telemetry.Provider
	driver    string
	pinger    db.Pinger
}

// newServer assembles the echo instance. Authentication and throttling are
// registered with Use so they run after routing and AuthSkipper can match on
// the route path.
func newServer(d serverDeps) (*echo.Echo, error) {
	cfg := d.cfg
	bodyLimit, err := middleware.ParseSize(cfg.BodyLimit)
	if err != nil {
		return nil, fmt.Errorf("BODY_LIMIT: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(d.logger, e)

	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", patient.LookupURLHeader},
	}))
	e.Use(d.telemetry.MetricsMiddleware())

	if cfg.ResolvedAuthMode() == "development" {
		d.logger.Warn().Msg("development auth enabled, requests are admitted without a token")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		var key []byte
		if cfg.AuthSigningKey != "" {
			key = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerMinute: cfg.RateLimitPerMinute,
		Burst:             cfg.RateLimitBurst,
		Skipper:           auth.AuthSkipper,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(d.driver, d.pinger))
	if cfg.MetricsEnabled {
		e.GET("/metrics", d.telemetry.PrometheusHandler())
	}

	d.handler.RegisterRoutes(e.Group("/api"))
	return e, nil
}
