package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type BreakerConfig struct {
	MaxFailures uint32
	Interval    time.Duration
	Timeout     time.Duration
}

// HTTPClient asks a remote recommendation service for a delivery time.
// A circuit breaker keeps a failing oracle from slowing every creation down.
type HTTPClient struct {
	url    string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	log    *zap.Logger
}

type recommendRequest struct {
	OwnerID string `json:"owner_id"`
	Content string `json:"content"`
}

type recommendResponse struct {
	RecommendedAt *time.Time `json:"recommended_at"`
}

var errNoRecommendation = errors.New("no recommendation")

func NewHTTPClient(url string, bc BreakerConfig, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	if bc.MaxFailures == 0 {
		bc.MaxFailures = 5
	}
	st := gobreaker.Settings{
		Name:        "oracle",
		MaxRequests: 1,
		Interval:    bc.Interval,
		Timeout:     bc.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errNoRecommendation)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Info("circuit breaker state", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{},
		cb:     gobreaker.NewCircuitBreaker(st),
		log:    log,
	}
}

// Recommend implements core.Oracle. The caller bounds latency through ctx.
func (c *HTTPClient) Recommend(ctx context.Context, ownerID, content string) (time.Time, bool, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, ownerID, content)
	})
	if errors.Is(err, errNoRecommendation) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return out.(time.Time), true, nil
}

func (c *HTTPClient) do(ctx context.Context, ownerID, content string) (time.Time, error) {
	body, err := json.Marshal(recommendRequest{OwnerID: ownerID, Content: content})
	if err != nil {
		return time.Time{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return time.Time{}, errNoRecommendation
	case resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return time.Time{}, fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var rr recommendResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return time.Time{}, fmt.Errorf("decode oracle response: %w", err)
	}
	if rr.RecommendedAt == nil {
		return time.Time{}, errNoRecommendation
	}
	return rr.RecommendedAt.UTC(), nil
}
