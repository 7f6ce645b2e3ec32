// Package apify fetches follower snapshots through the Apify actor API.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/followlytics/follower-service/internal/domain"
	"github.com/followlytics/follower-service/internal/pkg/logger"
	"golang.org/x/time/rate"
)

type Client struct {
	baseURL    string
	token      string
	actor      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Options struct {
	BaseURL string
	Token   string
	Actor   string
	RPS     float64
	Burst   int
	Timeout time.Duration
}

func New(opts Options) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute // actor runs are slow
	}
	return &Client{
		baseURL:    opts.BaseURL,
		token:      opts.Token,
		actor:      opts.Actor,
		httpClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
	}
}

type actorInput struct {
	TargetAccount string `json:"target_account"`
	MaxFollowers  int    `json:"max_followers"`
}

// FetchFollowers runs the actor synchronously and returns its dataset items
// as one batch. Transient failures (429, 5xx, network) are retried with
// exponential backoff; 4xx other than 429 fail permanently.
func (c *Client) FetchFollowers(ctx context.Context, target string, maxFollowers int) (domain.FollowerBatch, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.FollowerBatch{}, err
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items?format=json&clean=true",
		c.baseURL, url.PathEscape(c.actor))

	body, err := json.Marshal(actorInput{TargetAccount: target, MaxFollowers: maxFollowers})
	if err != nil {
		return domain.FollowerBatch{}, err
	}

	var records []domain.RawFollower
	var totalAvailable int

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // network error: retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			// fall through to decode
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("actor run returned %d", resp.StatusCode)
		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return backoff.Permanent(fmt.Errorf("actor run returned %d: %s", resp.StatusCode, string(b)))
		}

		if v := resp.Header.Get("X-Apify-Pagination-Total"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				totalAvailable = n
			}
		}

		records = records[:0]
		if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
			return fmt.Errorf("decode dataset items: %w", err)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 3 * time.Minute

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return domain.FollowerBatch{}, fmt.Errorf("fetch followers for %q: %w", target, err)
	}

	batch := domain.FollowerBatch{
		Records:        records,
		RequestedMax:   maxFollowers,
		TotalAvailable: totalAvailable,
	}
	// The provider stops at the requested cap without flagging it, so infer:
	// a full page means there may be more.
	if totalAvailable > len(records) {
		batch.Truncated = true
	} else if totalAvailable == 0 && maxFollowers > 0 && len(records) >= maxFollowers {
		batch.Truncated = true
	}

	log := logger.WithCtx(ctx)
	log.Debug().
		Str("target", target).
		Int("fetched", len(records)).
		Bool("truncated", batch.Truncated).
		Msg("follower batch fetched")

	return batch, nil
}
