package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/model"
	"github.com/go-resty/resty/v2"
)

const uploadPath = "/ingestion/upload"

// APIError is a non-2xx answer from the ingestion service.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Kind       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ingestion service: %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// Client talks to the ingestion service.
type Client struct {
	restyClient *resty.Client
}

func NewRestyClient(baseURL string, timeout time.Duration) *Client {
	restyClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", "stream2bucket-upload/1").
		SetHeader("Accept", "application/json")

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
	restyClient.SetTransport(transport)

	return &Client{restyClient: restyClient}
}

// UploadImage posts r as the file part named filename. capturedAt is sent
// first when not empty.
func (c *Client) UploadImage(ctx context.Context, filename string, r io.Reader, capturedAt string) (*model.UploadResult, error) {
	req := c.restyClient.R().
		SetContext(ctx).
		SetResult(&model.UploadResult{}).
		SetError(&APIError{})

	if capturedAt != "" {
		req.SetMultipartField("capturedAt", "", "", strings.NewReader(capturedAt))
	}
	req.SetMultipartField("file", filename, "application/octet-stream", r)

	resp, err := req.Post(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}

	if resp.IsError() {
		apiErr, _ := resp.Error().(*APIError)
		if apiErr == nil || apiErr.StatusCode == 0 {
			apiErr = &APIError{StatusCode: resp.StatusCode(), Kind: http.StatusText(resp.StatusCode()), Message: resp.String()}
		}
		return nil, apiErr
	}

	return resp.Result().(*model.UploadResult), nil
}

// Health reports whether the service and its object store are up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.restyClient.R().SetContext(ctx).Get("/healthz")
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", resp.Status())
	}
	return nil
}
