package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"golang.org/x/crypto/acme/autocert"

	"postyard/config"
	"postyard/handler"
	"postyard/service"
	"postyard/store"
	"postyard/store/memory"
	"postyard/store/mongodb"
	"postyard/store/pgdb"
	"postyard/store/sqlitedb"
	"postyard/tokenize"
)

func main() {
	cfg := config.FromEnv()

	logger := log.New("postyard")
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("opening %s post store", cfg.DBDriver)
	engine, err := openEngine(ctx, cfg)
	if err != nil {
		logger.Fatalf("post store: %v", err)
	}
	repo, err := openStore(ctx, engine, logger)
	if err != nil {
		logger.Fatalf("post store: %v", err)
	}

	e := echo.New()
	e.Logger = logger
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Logger())

	h := handler.Handler{
		Posts:       service.New(repo, tokenize.Tokenize, time.Now),
		PageSize:    cfg.PageSize,
		MaxPageSize: cfg.MaxPageSize,
	}
	h.Register(e)

	e.HTTPErrorHandler = customHTTPErrorHandler

	go func() {
		var err error
		if cfg.ListenAddr != "" {
			err = e.Start(cfg.ListenAddr)
		} else {
			// Cache certificates to avoid issues with rate limits (https://letsencrypt.org/docs/rate-limits)
			e.AutoTLSManager.Cache = autocert.DirCache("/var/www/.cache")
			if cfg.WhitelistHost != "" {
				e.AutoTLSManager.HostPolicy = autocert.HostWhitelist(cfg.WhitelistHost)
			}
			e.Pre(middleware.HTTPSRedirect())
			err = e.StartAutoTLS(":443")
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	if err := shutdown(e, repo); err != nil {
		logger.Fatalf("shutdown: %v", err)
	}
	logger.Info("stopped")
}

func openEngine(ctx context.Context, cfg config.Config) (store.Engine, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return sqlitedb.Open(ctx, sqlitedb.DSN(cfg.DBURL))
	case "postgres":
		if cfg.DBURL == "" {
			return nil, errors.New("DB_URL is required for postgres")
		}
		return pgdb.Open(ctx, cfg.DBURL)
	case "mongo":
		uri := cfg.DBURL
		if uri == "" {
			uri = "mongodb://localhost:27017"
		}
		return mongodb.Open(ctx, uri, cfg.DBName)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

// openStore closes engine when the repository cannot be opened on it.
func openStore(ctx context.Context, engine store.Engine, logger *log.Logger) (*store.Repository, error) {
	repo, err := store.Open(ctx, engine, logger)
	if err != nil {
		if cerr := engine.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close engine: %w", cerr))
		}
		return nil, err
	}
	return repo, nil
}

func shutdown(e *echo.Echo, repo *store.Repository) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var result error
	if err := e.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server: %w", err))
	}
	if err := repo.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("post store: %w", err))
	}
	return result
}

func customHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		c.Logger().Error(err)
		return
	}
	code := http.StatusInternalServerError
	msg := any(http.StatusText(code))
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = he.Message
	}
	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	if err := c.JSON(code, map[string]any{"error": msg}); err != nil {
		c.Logger().Error(err)
	}
}
