// Package gmail reads messages and attachments from the Gmail REST API on
// behalf of a registered mailbox.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mail-intake-go/internal/config"
	"mail-intake-go/internal/metrics"
)

const userID = "me"

// ErrUnauthorized is returned when Gmail still rejects the mailbox after a
// token refresh
var ErrUnauthorized = errors.New("gmail rejected mailbox credentials")

// Credentials are the decrypted OAuth tokens for one mailbox. The access
// token is replaced in place when it is refreshed. Concurrent calls rejected
// with the same token wait for a single refresh and reuse its result.
type Credentials struct {
	ClientID     string
	RefreshToken string

	mu          sync.Mutex
	accessToken string
	refreshMu   sync.Mutex
}

func NewCredentials(clientID, accessToken, refreshToken string) *Credentials {
	return &Credentials{ClientID: clientID, RefreshToken: refreshToken, accessToken: accessToken}
}

// AccessToken returns the current access token
func (c *Credentials) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

func (c *Credentials) setAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Client calls the Gmail API through a shared circuit breaker
type Client struct {
	clientSecret string
	tokenURL     string
	endpoint     string
	httpClient   *http.Client
	breaker      *gobreaker.CircuitBreaker
	metrics      *metrics.Metrics
}

// NewClient creates a Gmail client from configuration
func NewClient(cfg config.GmailConfig, m *metrics.Metrics) *Client {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = google.Endpoint.TokenURL
	}

	settings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// client errors say nothing about Gmail's health
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var apiErr *googleapi.Error
			return errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Gmail circuit breaker changed state")
		},
	}

	return &Client{
		clientSecret: cfg.ClientSecret,
		tokenURL:     tokenURL,
		endpoint:     cfg.APIEndpoint,
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: gobreaker.NewCircuitBreaker(settings),
		metrics: m,
	}
}

// GetMessage fetches and parses a full message
func (c *Client) GetMessage(ctx context.Context, creds *Credentials, messageID string) (*Message, error) {
	var msg *gmail.Message
	err := c.call(ctx, creds, "messages.get", func(svc *gmail.Service) error {
		var err error
		msg, err = svc.Users.Messages.Get(userID, messageID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", messageID, err)
	}
	return parseMessage(msg), nil
}

// ResolveMessageID finds the first message added at or after historyID. It
// returns an empty string when history has no such message.
func (c *Client) ResolveMessageID(ctx context.Context, creds *Credentials, historyID string) (string, error) {
	start, err := strconv.ParseUint(historyID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid history id %q: %w", historyID, err)
	}

	var resp *gmail.ListHistoryResponse
	err = c.call(ctx, creds, "history.list", func(svc *gmail.Service) error {
		var err error
		resp, err = svc.Users.History.List(userID).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			MaxResults(1).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to list history from %s: %w", historyID, err)
	}

	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.Id != "" {
				return added.Message.Id, nil
			}
		}
	}
	return "", nil
}

// GetAttachment downloads one attachment's content
func (c *Client) GetAttachment(ctx context.Context, creds *Credentials, messageID, attachmentID string) ([]byte, error) {
	var body *gmail.MessagePartBody
	err := c.call(ctx, creds, "attachments.get", func(svc *gmail.Service) error {
		var err error
		body, err = svc.Users.Messages.Attachments.Get(userID, messageID, attachmentID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment %s: %w", attachmentID, err)
	}

	data, err := decodeData(body.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode attachment %s: %w", attachmentID, err)
	}
	return data, nil
}

// call runs fn against a service built from the current access token. An
// auth rejection refreshes the token once and retries.
func (c *Client) call(ctx context.Context, creds *Credentials, operation string, fn func(*gmail.Service) error) error {
	rejected := creds.AccessToken()
	err := c.execute(ctx, operation, rejected, fn)
	if !isUnauthorized(err) {
		return err
	}

	logrus.WithField("operation", operation).Info("Gmail rejected access token, refreshing")
	token, refreshErr := c.refresh(ctx, creds, rejected)
	if refreshErr != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, refreshErr)
	}

	err = c.execute(ctx, operation, token, fn)
	if isUnauthorized(err) {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return err
}

func (c *Client) execute(ctx context.Context, operation, accessToken string, fn func(*gmail.Service) error) error {
	svc, err := c.service(ctx, accessToken)
	if err != nil {
		return err
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, fn(svc)
	})

	result := "success"
	if err != nil {
		result = "error"
	}
	c.metrics.GmailRequests.WithLabelValues(operation, result).Inc()
	return err
}

func (c *Client) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	httpClient := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
			Base:   c.httpClient.Transport,
		},
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

// refresh replaces the rejected access token. When another call already
// replaced it, the newer token is returned without asking the token endpoint.
func (c *Client) refresh(ctx context.Context, creds *Credentials, rejected string) (string, error) {
	creds.refreshMu.Lock()
	defer creds.refreshMu.Unlock()

	if current := creds.AccessToken(); current != rejected {
		return current, nil
	}

	oauth2Config := &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: c.clientSecret,
		Scopes:       []string{gmail.GmailReadonlyScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:   google.Endpoint.AuthURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}
	if token.AccessToken == "" {
		return "", errors.New("token endpoint returned no access token")
	}

	c.metrics.TokenRefreshes.Inc()
	creds.setAccessToken(token.AccessToken)
	return token.AccessToken, nil
}

func isUnauthorized(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized
}
