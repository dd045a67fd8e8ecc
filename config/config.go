package config

import (
	"os"
	"strconv"

	"github.com/labstack/gommon/log"
)

const (
	DevEnv = "dev"
	ProEnv = "pro"
)

type Config struct {
	Env string // "dev" or "pro"

	// HTTP
	ListenAddr    string // empty in pro means autocert TLS on :443
	WhitelistHost string

	// Storage
	DBDriver string // sqlite, postgres, mongo or memory
	DBURL    string // sqlite path, postgres DSN or mongo URI
	DBName   string // mongo database

	PageSize    int
	MaxPageSize int

	LogLevel log.Lvl
}

func FromEnv() Config {
	c := Config{}

	c.Env = getenv("ENV", ProEnv)

	c.ListenAddr = os.Getenv("ADDRESS_LISTEN")
	if c.Env == DevEnv && c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.WhitelistHost = os.Getenv("WHITELIST_HOST")

	c.DBDriver = getenv("DB_DRIVER", "sqlite")
	c.DBURL = os.Getenv("DB_URL")
	c.DBName = getenv("DB_NAME", "postyard")

	c.PageSize = getenvi("PAGE_SIZE", 20)
	c.MaxPageSize = getenvi("MAX_PAGE_SIZE", 100)
	if c.PageSize > c.MaxPageSize {
		c.PageSize = c.MaxPageSize
	}

	c.LogLevel = parseLevel(getenv("LOG_LEVEL", "info"))

	return c
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvi(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if iv, err := strconv.Atoi(v); err == nil && iv > 0 {
			return iv
		}
	}
	return def
}

func parseLevel(s string) log.Lvl {
	switch s {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}
