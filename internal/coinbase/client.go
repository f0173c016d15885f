package coinbase

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/STTM-NSU/candle-sync/internal/config"
	"github.com/STTM-NSU/candle-sync/internal/logger"
	"github.com/STTM-NSU/candle-sync/internal/model"
	"github.com/bytedance/sonic"
	"resty.dev/v3"
)

const (
	_candlesURL = "/products/{product}/candles"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

// StatusError is returned for every non-2xx answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coinbase http %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

type Client struct {
	c   *resty.Client
	cfg config.ProviderConfig

	logger logger.Logger
}

func NewClient(cfg config.ProviderConfig, logger logger.Logger) *Client {
	client := resty.New().
		SetLogger(logger).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		AddContentTypeDecoder("json", func(r io.Reader, v any) error {
			return sonic.ConfigStd.NewDecoder(r).Decode(v)
		})

	return &Client{
		c:      client,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *Client) Close() error {
	return c.c.Close()
}

// curl "https://api.exchange.coinbase.com/products/BTC-USD/candles?start=2025-01-01T00:00:00Z&end=2025-01-02T00:00:00Z&granularity=300"
func (c *Client) GetCandles(ctx context.Context, start, end time.Time, granularity time.Duration) ([]model.RawCandle, error) {
	if !start.Before(end) {
		return nil, fmt.Errorf("invalid interval %s - %s", start, end)
	}

	var payload []model.RawCandle
	req := c.c.R().
		SetPathParam("product", c.cfg.Product).
		SetQueryParams(map[string]string{
			"start":       start.UTC().Format(time.RFC3339),
			"end":         end.UTC().Format(time.RFC3339),
			"granularity": strconv.FormatInt(int64(granularity/time.Second), 10),
		}).
		SetResult(&payload).
		SetError(&ErrorResponse{}).
		SetExpectResponseContentType("application/json").
		SetContext(ctx)

	resp, err := req.Get(_candlesURL)
	if err != nil {
		// an error page that isn't JSON still has to be classified by status
		if resp != nil && resp.IsError() {
			return nil, &StatusError{StatusCode: resp.StatusCode(), Message: resp.Status()}
		}
		return nil, fmt.Errorf("%w: can't send request for candles", err)
	}
	defer resp.Body.Close()

	c.logger.Debugf("got response %s status: %s, %s", resp.Request.URL, resp.Status(), resp.Duration())

	if resp.IsSuccess() {
		return payload, nil
	}

	msg := resp.Status()
	if e, ok := resp.Error().(*ErrorResponse); ok && e != nil && e.Message != "" {
		msg = e.Message
	}
	return nil, &StatusError{StatusCode: resp.StatusCode(), Message: msg}
}
