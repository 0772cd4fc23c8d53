package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vidflow/internal/response"
	"vidflow/internal/upload"
	"vidflow/internal/video"
)

// API is the server side of an upload as the client sees it.
type API interface {
	Initiate(ctx context.Context, req *upload.InitiateRequest) (*upload.InitiateResponse, error)
	Presign(ctx context.Context, objectKey string, req *upload.PresignRequest) (string, error)
	ListParts(ctx context.Context, objectKey, uploadID string) ([]upload.PartResponse, error)
	Complete(ctx context.Context, objectKey string, req *upload.CompleteRequest) (*video.Video, error)
	Abort(ctx context.Context, objectKey, uploadID string) error
}

// APIError is a non-2xx answer from the upload API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("upload api: status %d", e.Status)
	}
	return fmt.Sprintf("upload api: %s (%d): %s", e.Code, e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the upload API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

const (
	defaultRequestTimeout = 30 * time.Second
	// Completion waits for the store to assemble the object, which takes
	// minutes for multi-gigabyte uploads.
	defaultCompleteTimeout = 15 * time.Minute
)

// Client talks to the upload API with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	requestTimeout  time.Duration
	completeTimeout time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		token:           token,
		http:            httpClient,
		requestTimeout:  defaultRequestTimeout,
		completeTimeout: defaultCompleteTimeout,
	}
}

func keyPath(objectKey, action string) string {
	return "/uploads/" + url.PathEscape(objectKey) + "/" + action
}

func (c *Client) Initiate(ctx context.Context, req *upload.InitiateRequest) (*upload.InitiateResponse, error) {
	var resp upload.InitiateResponse
	if err := c.do(ctx, http.MethodPost, "/uploads/initiate", c.requestTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Presign(ctx context.Context, objectKey string, req *upload.PresignRequest) (string, error) {
	var resp upload.PresignResponse
	if err := c.do(ctx, http.MethodPost, keyPath(objectKey, "presign"), c.requestTimeout, req, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", errors.New("upload api: presign returned no url")
	}
	return resp.URL, nil
}

func (c *Client) ListParts(ctx context.Context, objectKey, uploadID string) ([]upload.PartResponse, error) {
	var parts []upload.PartResponse
	path := keyPath(objectKey, "parts") + "?upload_id=" + url.QueryEscape(uploadID)
	if err := c.do(ctx, http.MethodGet, path, c.requestTimeout, nil, &parts); err != nil {
		return nil, err
	}
	return parts, nil
}

func (c *Client) Complete(ctx context.Context, objectKey string, req *upload.CompleteRequest) (*video.Video, error) {
	var v video.Video
	if err := c.do(ctx, http.MethodPost, keyPath(objectKey, "complete"), c.completeTimeout, req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Abort(ctx context.Context, objectKey, uploadID string) error {
	var resp upload.AbortResponse
	return c.do(ctx, http.MethodPost, keyPath(objectKey, "abort"), c.requestTimeout, &upload.AbortRequest{UploadID: uploadID}, &resp)
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var errBody response.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&errBody) == nil {
			apiErr.Code = errBody.Code
			apiErr.Message = errBody.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// PartSender writes one part to a presigned URL and returns the stored
// part's ETag.
type PartSender interface {
	Send(ctx context.Context, url string, body []byte, checksum string) (etag string, err error)
}

// HTTPSender PUTs parts directly to the object store.
type HTTPSender struct {
	Client *http.Client
}

func (s *HTTPSender) Send(ctx context.Context, presignedURL string, body []byte, checksum string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("x-amz-checksum-crc32", checksum)

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("put part: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("put part: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", errors.New("put part: store returned no ETag; expose it in the bucket CORS policy")
	}
	return etag, nil
}
