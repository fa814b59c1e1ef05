package elevenlabs

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const signedURLPath = "/v1/convai/conversation/get-signed-url"

// Client fetches short-lived signed conversation URLs from the
// ElevenLabs Conversational AI API.
//
// A signed URL authorizes exactly one WebSocket conversation without
// exposing the long-lived API key, so a fresh one is fetched per call.
// There are no retries: the caller treats any failure as fatal to that
// call's AI leg and tears down the telephony leg instead of holding it
// open without a peer.
type Client struct {
	agentID string
	http    *resty.Client
	logger  *zap.Logger
}

// NewClient creates an ElevenLabs API client. The timeout bounds each
// signed-URL fetch; expiry surfaces as an UpstreamUnavailableError.
func NewClient(baseURL, apiKey, agentID string, timeout time.Duration, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("xi-api-key", apiKey).
		SetTimeout(timeout)

	return &Client{
		agentID: agentID,
		http:    httpClient,
		logger:  logger.Named("elevenlabs"),
	}
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// SignedURL returns a time-limited wss:// endpoint authorized to open one
// conversation with the configured agent.
func (c *Client) SignedURL(ctx context.Context) (string, error) {
	var body signedURLResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("agent_id", c.agentID).
		SetResult(&body).
		Get(signedURLPath)
	if err != nil {
		c.logger.Error("signed-url request failed", zap.Error(err))
		return "", &UpstreamUnavailableError{Err: err}
	}

	if resp.IsError() {
		c.logger.Error("signed-url request rejected",
			zap.Int("status", resp.StatusCode()),
			zap.String("agent_id", c.agentID),
		)
		return "", &UpstreamAuthError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	if body.SignedURL == "" {
		return "", &MalformedResponseError{Reason: "signed_url field absent or empty"}
	}

	c.logger.Debug("obtained signed conversation url", zap.String("agent_id", c.agentID))
	return body.SignedURL, nil
}
