package postgres

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	DBName   string
	SSLMode  string
}

func NewConfigFromEnv() *Config {
	return &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		Username: os.Getenv("POSTGRES_USERNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		DBName:   os.Getenv("POSTGRES_DB_NAME"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}
}

const (
	_hostDefault     = "localhost"
	_portDefault     = "5432"
	_usernameDefault = "postgres"
	_passwordDefault = "postgres"
	_dbNameDefault   = "candles"
	_sslModeDefault  = "disable"
)

func (c *Config) Setup() *Config {
	c.Host = cmp.Or(c.Host, _hostDefault)
	c.Port = cmp.Or(c.Port, _portDefault)
	if _, err := strconv.Atoi(c.Port); err != nil {
		c.Port = _portDefault
	}
	c.Username = cmp.Or(c.Username, _usernameDefault)
	c.Password = cmp.Or(c.Password, _passwordDefault)
	c.DBName = cmp.Or(c.DBName, _dbNameDefault)
	c.SSLMode = cmp.Or(c.SSLMode, _sslModeDefault)

	return c
}

// String is the lib/pq connection string.
func (c *Config) String() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.DBName, c.Password, c.SSLMode,
	)
}

// Redacted is safe to log.
func (c *Config) Redacted() string {
	return fmt.Sprintf("%s@%s:%s/%s", c.Username, c.Host, c.Port, c.DBName)
}

func NewDB(ctx context.Context, cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.String())
	if err != nil {
		return nil, fmt.Errorf("%w: can't connect to postgres %s", err, cfg.Redacted())
	}
	return db, nil
}
