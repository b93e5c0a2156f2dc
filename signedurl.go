package convai

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

const signTimeout = 10 * time.Second

// URLSigner fetches short lived conversation URLs for private agents.
type URLSigner struct {
	baseUrl *url.URL
	apiKey  string
	client  *fasthttp.Client
}

func NewURLSigner(baseUrl, apiKey string) (*URLSigner, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	if baseUrl == "" {
		return nil, errors.New("api base URL is required")
	}
	u, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &URLSigner{
		baseUrl: u,
		apiKey:  apiKey,
		client: &fasthttp.Client{
			Name:         "convai-speaker",
			ReadTimeout:  signTimeout,
			WriteTimeout: signTimeout,
		},
	}, nil
}

func (s *URLSigner) SignedURL(ctx context.Context, agentID string) (string, error) {
	endpoint := s.baseUrl.JoinPath("/convai/conversation/get-signed-url")
	q := endpoint.Query()
	q.Set("agent_id", agentID)
	endpoint.RawQuery = q.Encode()

	type result struct {
		url string
		err error
	}
	resC := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(endpoint.String())
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("xi-api-key", s.apiKey)

		if err := s.client.Do(req, resp); err != nil {
			resC <- result{err: fmt.Errorf("performing HTTP request: %w", err)}
			return
		}
		if resp.StatusCode() != fasthttp.StatusOK {
			resC <- result{err: fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))}
			return
		}
		signed, err := decodeSignedURL(resp.Body())
		resC <- result{url: signed, err: err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-resC:
		return r.url, r.err
	}
}
