// Package onedrive implements the provider.Client contract for Microsoft
// OneDrive against the Graph v1.0 REST API.
package onedrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aqwacloud/transfercore/pkg/provider"
)

const defaultGraphEndpoint = "https://graph.microsoft.com/v1.0"

// Client talks to Microsoft Graph on behalf of one connection.
type Client struct {
	config     *Config
	conn       *provider.Connection
	httpClient *http.Client
	tracer     trace.Tracer

	rateLimiter *provider.RateLimiter
	retryPolicy *provider.RetryPolicy
	metrics     *provider.Metrics
}

// Config contains configuration for the OneDrive client.
type Config struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`

	// Endpoint overrides, used by tests; empty means Microsoft's defaults.
	GraphEndpoint string `yaml:"graph_endpoint"`
	TokenURL      string `yaml:"token_url"`

	PageSize        int           `yaml:"page_size"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	// ChunkSize must be a multiple of 320 KiB per Graph's upload session
	// contract.
	ChunkSize int64 `yaml:"chunk_size"`

	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstLimit        int     `yaml:"burst_limit"`

	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	ExponentialBackoff bool          `yaml:"exponential_backoff"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		PageSize:           200,
		RequestTimeout:     30 * time.Second,
		TransferTimeout:    30 * time.Minute,
		ChunkSize:          10158080, // 31 * 320 KiB
		RequestsPerSecond:  10.0,
		BurstLimit:         50,
		MaxRetries:         3,
		RetryDelay:         2 * time.Second,
		ExponentialBackoff: true,
	}
}

// NewClient creates a OneDrive client bound to the given connection.
func NewClient(conn *provider.Connection, config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if conn == nil {
		return nil, fmt.Errorf("onedrive: connection is required")
	}

	return &Client{
		config:     config,
		conn:       conn,
		httpClient: &http.Client{Timeout: config.TransferTimeout},
		tracer:     otel.Tracer("onedrive-client"),
		rateLimiter: provider.NewRateLimiter(
			config.RequestsPerSecond, config.BurstLimit),
		retryPolicy: &provider.RetryPolicy{
			MaxRetries:         config.MaxRetries,
			InitialDelay:       config.RetryDelay,
			ExponentialBackoff: config.ExponentialBackoff,
		},
		metrics: &provider.Metrics{},
	}, nil
}

// Provider identifies this client as the Microsoft implementation.
func (c *Client) Provider() provider.Provider {
	return provider.ProviderMicrosoft
}

// Metrics returns a snapshot of the client's operation counters.
func (c *Client) Metrics() provider.Metrics {
	return *c.metrics
}

func (c *Client) endpoint() string {
	if c.config.GraphEndpoint != "" {
		return strings.TrimSuffix(c.config.GraphEndpoint, "/")
	}
	return defaultGraphEndpoint
}

// ListChildren lists one page of folderID's children, ordered by name. The
// page token is Graph's @odata.nextLink URL.
func (c *Client) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int) (*provider.ChildPage, error) {
	ctx, span := c.tracer.Start(ctx, "onedrive.list_children")
	defer span.End()

	span.SetAttributes(
		attribute.String("folder.id", folderID),
		attribute.Int("page_size", pageSize),
	)

	if pageSize <= 0 {
		pageSize = c.config.PageSize
	}

	apiURL := pageToken
	if apiURL == "" {
		base := c.endpoint()
		if folderID == "" || folderID == "root" {
			apiURL = fmt.Sprintf("%s/me/drive/root/children", base)
		} else {
			apiURL = fmt.Sprintf("%s/me/drive/items/%s/children", base, url.PathEscape(folderID))
		}
		apiURL += fmt.Sprintf("?$top=%d&$orderby=name", pageSize)
	}

	body, err := c.graphCall(ctx, http.MethodGet, apiURL, nil, folderID)
	if err != nil {
		span.RecordError(err)
		c.recordError(err)
		return nil, err
	}

	var collection driveItemCollection
	if err := json.Unmarshal(body, &collection); err != nil {
		perr := &provider.ProviderError{
			Provider: provider.ProviderMicrosoft,
			Message:  "parsing children listing: " + err.Error(),
		}
		span.RecordError(perr)
		return nil, perr
	}

	page := &provider.ChildPage{
		Items:         make([]*provider.FileDescriptor, 0, len(collection.Value)),
		NextPageToken: collection.ODataNextLink,
		HasMore:       collection.ODataNextLink != "",
	}
	for i := range collection.Value {
		page.Items = append(page.Items, toDescriptor(&collection.Value[i]))
	}

	c.metrics.FilesListed += int64(len(page.Items))
	c.metrics.LastActivity = time.Now()

	span.SetAttributes(
		attribute.Int("items.count", len(page.Items)),
		attribute.Bool("has_more", page.HasMore),
	)

	return page, nil
}

// GetMetadata fetches a fresh descriptor for fileID.
func (c *Client) GetMetadata(ctx context.Context, fileID string) (*provider.FileDescriptor, error) {
	ctx, span := c.tracer.Start(ctx, "onedrive.get_metadata")
	defer span.End()

	span.SetAttributes(attribute.String("file.id", fileID))

	apiURL := fmt.Sprintf("%s/me/drive/items/%s", c.endpoint(), url.PathEscape(fileID))

	body, err := c.graphCall(ctx, http.MethodGet, apiURL, nil, fileID)
	if err != nil {
		span.RecordError(err)
		c.recordError(err)
		return nil, err
	}

	var item driveItem
	if err := json.Unmarshal(body, &item); err != nil {
		perr := &provider.ProviderError{
			Provider: provider.ProviderMicrosoft,
			Message:  "parsing drive item: " + err.Error(),
		}
		span.RecordError(perr)
		return nil, perr
	}

	c.metrics.FilesRetrieved++
	c.metrics.LastActivity = time.Now()

	return toDescriptor(&item), nil
}

// DownloadBytes fetches the full content of fileID.
func (c *Client) DownloadBytes(ctx context.Context, fileID string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "onedrive.download_bytes")
	defer span.End()

	span.SetAttributes(attribute.String("file.id", fileID))

	ctx, cancel := context.WithTimeout(ctx, c.config.TransferTimeout)
	defer cancel()

	apiURL := fmt.Sprintf("%s/me/drive/items/%s/content", c.endpoint(), url.PathEscape(fileID))

	data, err := c.graphCall(ctx, http.MethodGet, apiURL, nil, fileID)
	if err != nil {
		span.RecordError(err)
		c.recordError(err)
		return nil, err
	}

	c.metrics.FilesDownloaded++
	c.metrics.BytesDownloaded += int64(len(data))
	c.metrics.LastActivity = time.Now()

	span.SetAttributes(attribute.Int("bytes", len(data)))

	return data, nil
}

// ValidateToken performs a lightweight profile call to check the current
// token.
func (c *Client) ValidateToken(ctx context.Context) bool {
	ctx, span := c.tracer.Start(ctx, "onedrive.validate_token")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	_, err := c.graphCall(ctx, http.MethodGet, c.endpoint()+"/me", nil, "me")
	if err != nil {
		span.RecordError(err)
		return false
	}
	return true
}

// graphCall executes one Graph request with rate limiting and bounded retry,
// returning the response body. The request body is kept as bytes so retries
// can replay it.
func (c *Client) graphCall(ctx context.Context, method, apiURL string, body []byte, subject string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var respBody []byte
	err := c.retryPolicy.Do(ctx, func() error {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, reqErr := http.NewRequestWithContext(ctx, method, apiURL, reqBody)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Authorization", "Bearer "+c.conn.AccessToken())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, doErr := c.httpClient.Do(req)
		if doErr != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return &provider.TimeoutError{Provider: provider.ProviderMicrosoft, Operation: method + " " + apiURL}
			}
			return &provider.ProviderError{Provider: provider.ProviderMicrosoft, Message: doErr.Error()}
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return c.statusError(resp, subject)
		}

		var readErr error
		respBody, readErr = io.ReadAll(resp.Body)
		if readErr != nil {
			return &provider.ProviderError{Provider: provider.ProviderMicrosoft, Message: readErr.Error()}
		}
		return nil
	})
	return respBody, err
}

// statusError maps a Graph failure response into the shared taxonomy.
func (c *Client) statusError(resp *http.Response, subject string) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	message := strings.TrimSpace(string(raw))
	var gerr graphError
	if json.Unmarshal(raw, &gerr) == nil && gerr.Error.Message != "" {
		message = gerr.Error.Message
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &provider.AuthError{Provider: provider.ProviderMicrosoft, Message: "access token rejected"}
	case http.StatusNotFound:
		return &provider.NotFoundError{Provider: provider.ProviderMicrosoft, FileID: subject}
	default:
		return &provider.ProviderError{
			Provider:   provider.ProviderMicrosoft,
			StatusCode: resp.StatusCode,
			Message:    message,
		}
	}
}

func (c *Client) recordError(err error) {
	c.metrics.ErrorCount++
	c.metrics.LastError = err.Error()
}

// toDescriptor converts a Graph driveItem into the shared descriptor shape.
func toDescriptor(item *driveItem) *provider.FileDescriptor {
	kind := provider.KindFile
	if item.Folder != nil {
		kind = provider.KindFolder
	}

	var modified time.Time
	if item.LastModifiedDateTime != "" {
		modified, _ = time.Parse(time.RFC3339, item.LastModifiedDateTime)
	}

	fd := &provider.FileDescriptor{
		ID:           item.ID,
		Name:         item.Name,
		Kind:         kind,
		Size:         item.Size,
		ModifiedTime: modified,
	}

	if item.ParentReference != nil {
		fd.ParentID = item.ParentReference.ID
		parentPath := strings.TrimPrefix(item.ParentReference.Path, "/drive/root:")
		fd.Path = parentPath + "/" + item.Name
	}

	if item.File != nil {
		fd.MimeType = item.File.MimeType
		if item.File.Hashes != nil {
			if item.File.Hashes.SHA1Hash != "" {
				fd.Checksum = item.File.Hashes.SHA1Hash
				fd.ChecksumType = "sha1"
			} else if item.File.Hashes.QuickXorHash != "" {
				fd.Checksum = item.File.Hashes.QuickXorHash
				fd.ChecksumType = "quickxor"
			}
		}
	}

	return fd
}
