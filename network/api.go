package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-ingest/network/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultDirectUploadPath is the target of single request uploads.
const DefaultDirectUploadPath = "/article/upload-cover"

const (
	initUploadPath     = "/article/init-upload"
	uploadChunkPath    = "/article/upload-chunk"
	completeUploadPath = "/article/complete-upload"
	cancelUploadPath   = "/article/cancel-upload"
	checkUploadPath    = "/article/check-upload/"
	uploadStatusPath   = "/article/upload-status/"

	successCode = 200

	redactedAuthorization = "Bearer [REDACTED]"
)

// ErrNotFound is returned when the server has no record of the requested resource.
var ErrNotFound = errors.New("not found")

// APIError is a well-formed response envelope with a non-success code.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type completeRequest struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	TotalChunks int    `json:"totalChunks"`
}

type cancelRequest struct {
	UploadID string `json:"uploadId"`
}

type urlResponse struct {
	URL string `json:"url"`
}

type checkUploadResponse struct {
	UploadID  string `json:"uploadId"`
	Resumable string `json:"resumable"`
}

type uploadStatusResponse struct {
	UploadID       string `json:"uploadId"`
	TotalChunks    int    `json:"totalChunks"`
	UploadedChunks []int  `json:"uploadedChunks"`
	UploadedBytes  int64  `json:"uploadedBytes"`
	Completed      bool   `json:"completed"`
}

// APIParams configures an APIClient.
type APIParams struct {
	// BaseURL is the API root, e.g. https://example.com/api
	BaseURL     string
	AccessToken string
	// DirectUploadPath defaults to DefaultDirectUploadPath.
	DirectUploadPath string
}

// APIClient talks to the upload REST API. Control calls go through a
// retryable client; chunk payloads use a plain client because the uploader
// owns chunk retries.
type APIClient struct {
	httpClient  *retryablehttp.Client
	chunkClient *http.Client
	baseURL     string
	accessToken string
	directPath  string
	logger      log.Logger
}

// NewAPIClient creates a client for the upload REST API.
func NewAPIClient(client *retryablehttp.Client, chunkClient *http.Client, params APIParams, logger log.Logger) (*APIClient, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL must not be empty")
	}
	if _, err := url.ParseRequestURI(params.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if chunkClient == nil {
		chunkClient = DefaultChunkHTTPClient()
	}

	directPath := params.DirectUploadPath
	if directPath == "" {
		directPath = DefaultDirectUploadPath
	}

	return &APIClient{
		httpClient:  client,
		chunkClient: chunkClient,
		baseURL:     strings.TrimSuffix(params.BaseURL, "/"),
		accessToken: params.AccessToken,
		directPath:  directPath,
		logger:      logger,
	}, nil
}

// DefaultChunkHTTPClient creates an HTTP client tuned for parallel chunk uploads.
func DefaultChunkHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - individual chunk timeouts are handled via context
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// InitUpload registers a new upload session.
func (c *APIClient) InitUpload(ctx context.Context, req chunkuploader.InitRequest) error {
	return c.postJSON(ctx, initUploadPath, req, nil)
}

// UploadChunk sends one chunk as a multipart form.
func (c *APIClient) UploadChunk(ctx context.Context, req chunkuploader.ChunkRequest) error {
	fields := map[string]string{
		"chunkIndex":  strconv.Itoa(req.ChunkIndex),
		"totalChunks": strconv.Itoa(req.TotalChunks),
		"uploadId":    req.UploadID,
		"fileName":    req.FileName,
		"fileSize":    strconv.FormatInt(req.FileSize, 10),
	}

	body, contentType, err := multipartBody(req.FileName, req.Data, fields)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+uploadChunkPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(httpReq.Header, contentType)
	httpReq.ContentLength = int64(len(body))

	c.logger.Debugf("Chunk request dump: %s", c.dumpRequest(httpReq, false))

	resp, err := c.chunkClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer c.closeBody(resp.Body)

	return c.decode(resp, nil)
}

// CompleteUpload asks the server to assemble the chunks.
func (c *APIClient) CompleteUpload(ctx context.Context, uploadID, fileName string, totalChunks int) (string, error) {
	var response urlResponse
	err := c.postJSON(ctx, completeUploadPath, completeRequest{
		UploadID:    uploadID,
		FileName:    fileName,
		TotalChunks: totalChunks,
	}, &response)
	if err != nil {
		return "", err
	}
	return response.URL, nil
}

// CancelUpload discards an upload session on the server.
func (c *APIClient) CancelUpload(ctx context.Context, uploadID string) error {
	return c.postJSON(ctx, cancelUploadPath, cancelRequest{UploadID: uploadID}, nil)
}

// CheckResumable looks up an unfinished upload by prefix fingerprint.
func (c *APIClient) CheckResumable(ctx context.Context, fileHash string) (string, error) {
	var response checkUploadResponse
	err := c.get(ctx, checkUploadPath+url.PathEscape(fileHash), &response)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if response.Resumable == "false" {
		return "", nil
	}
	return response.UploadID, nil
}

// GetUploadStatus returns the indices of the chunks the server holds.
func (c *APIClient) GetUploadStatus(ctx context.Context, uploadID string) ([]int, error) {
	var response uploadStatusResponse
	if err := c.get(ctx, uploadStatusPath+url.PathEscape(uploadID), &response); err != nil {
		return nil, err
	}
	return response.UploadedChunks, nil
}

// DirectUpload sends a whole file as a multipart form and returns its URL.
func (c *APIClient) DirectUpload(ctx context.Context, req chunkuploader.DirectRequest) (string, error) {
	path := req.EndpointPath
	if path == "" {
		path = c.directPath
	}

	body, contentType, err := multipartBody(req.FileName, req.Data, nil)
	if err != nil {
		return "", err
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return "", err
	}
	c.setHeaders(httpReq.Header, contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	var data json.RawMessage
	if err := c.decode(resp, &data); err != nil {
		return "", err
	}

	return parseURL(data)
}

func (c *APIClient) postJSON(ctx context.Context, path string, requestBody any, out any) error {
	body, err := json.Marshal(requestBody)
	if err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	c.setHeaders(req.Header, "application/json")

	c.logger.Debugf("Request dump: %s", c.dumpRequest(req.Request, true))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	return c.decode(resp, out)
}

func (c *APIClient) get(ctx context.Context, path string, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req.Header, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	return c.decode(resp, out)
}

// dumpRequest renders req for debug logs with the bearer token redacted.
func (c *APIClient) dumpRequest(req *http.Request, body bool) string {
	auth := req.Header.Get("Authorization")
	if auth != "" {
		req.Header.Set("Authorization", redactedAuthorization)
		defer req.Header.Set("Authorization", auth)
	}

	dump, err := httputil.DumpRequest(req, body)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	return string(dump)
}

func (c *APIClient) setHeaders(h http.Header, contentType string) {
	h.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
}

// decode checks the HTTP status and the envelope code, then unmarshals the
// envelope data into out.
func (c *APIClient) decode(resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != successCode {
		return &APIError{Code: env.Code, Message: env.Message}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = env.Data
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf("%s", err)
	}
}

// parseURL accepts both a bare string and an object with a url field.
func parseURL(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}

	var response urlResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return "", fmt.Errorf("decode upload URL: %w", err)
	}
	return response.URL, nil
}

func multipartBody(fileName string, data []byte, fields map[string]string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}

	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("write form field %s: %w", key, err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}

	return buf.Bytes(), w.FormDataContentType(), nil
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, errorResp, ErrNotFound)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}

var _ chunkuploader.Endpoint = (*APIClient)(nil)
