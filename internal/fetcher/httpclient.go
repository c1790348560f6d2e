package fetcher

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"
)

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultRetryWaitTime    = 250 * time.Millisecond
	defaultRetryMaxWaitTime = 2 * time.Second
	defaultUserAgent        = "pricewatcher/1.0"
)

// HTTPOptions are shared by the HTTP-backed adapters.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int
	UserAgent string
}

// NewHTTPClient builds a resty client with bounded retries on transport
// errors, 408, 429 and 5xx. The resolver's per-call deadline still bounds
// the whole exchange.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	return resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua).
		SetResponseBodyUnlimitedReads(true).
		SetRetryCount(retries).
		SetRetryWaitTime(defaultRetryWaitTime).
		SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
		AddRetryConditions(retryCondition).
		AddRetryHooks(retryHook(logger))
}

func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	switch code := r.StatusCode(); {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

func retryHook(logger zerolog.Logger) func(*resty.Response, error) {
	return func(r *resty.Response, err error) {
		ev := logger.Debug().Str("url", r.Request.URL).Int("attempt", r.Request.Attempt)
		if err != nil {
			ev.Err(err).Msg("retrying request after error")
			return
		}
		ev.Int("status_code", r.StatusCode()).Msg("retrying request after status")
	}
}

// getJSON issues a GET and decodes a 2xx JSON body into out.
func getJSON(req *resty.Request, source, path string, out any) error {
	resp, err := req.
		SetExpectResponseContentType("application/json").
		SetResult(out).
		Get(path)
	if err != nil {
		return ClassifyTransportError(source, err)
	}
	if !resp.IsSuccess() {
		return ClassifyHTTPError(source, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
