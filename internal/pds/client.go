package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"margin/api/internal/domain"
)

// RecordClient is the primitive record surface of a personal data store.
// Create and Put return the StrongRef of the stored record version.
type RecordClient interface {
	CreateRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error)
	PutRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error)
	DeleteRecord(ctx context.Context, did, collection, rkey string) error
}

// XRPCClient talks to a hosted repository over the com.atproto.repo XRPC
// endpoints.
type XRPCClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewXRPCClient(baseURL, token string, timeout time.Duration) *XRPCClient {
	return &XRPCClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type recordRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *XRPCClient) CreateRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	body := map[string]any{
		"repo":       did,
		"collection": collection,
		"rkey":       rkey,
		"record":     record,
	}
	var out recordRef
	if err := c.post(ctx, "com.atproto.repo.createRecord", body, &out); err != nil {
		return domain.PublishedRecordID{}, err
	}
	return domain.NewPublishedRecordID(out.URI, out.CID)
}

func (c *XRPCClient) PutRecord(ctx context.Context, did, collection, rkey string, record map[string]any) (domain.PublishedRecordID, error) {
	body := map[string]any{
		"repo":       did,
		"collection": collection,
		"rkey":       rkey,
		"record":     record,
	}
	var out recordRef
	if err := c.post(ctx, "com.atproto.repo.putRecord", body, &out); err != nil {
		return domain.PublishedRecordID{}, err
	}
	return domain.NewPublishedRecordID(out.URI, out.CID)
}

func (c *XRPCClient) DeleteRecord(ctx context.Context, did, collection, rkey string) error {
	body := map[string]any{
		"repo":       did,
		"collection": collection,
		"rkey":       rkey,
	}
	return c.post(ctx, "com.atproto.repo.deleteRecord", body, nil)
}

func (c *XRPCClient) post(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/xrpc/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var xe xrpcError
		if json.Unmarshal(data, &xe) == nil && xe.Error != "" {
			return fmt.Errorf("%s: %s: %s (status %d)", method, xe.Error, xe.Message, resp.StatusCode)
		}
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	return nil
}
