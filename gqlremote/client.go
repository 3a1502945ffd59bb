// Package gqlremote implements the engine's remote client against a
// GraphQL-shaped HTTP backend: paged sync queries, versioned mutations with
// conditional-save conflict detection, and streaming change subscriptions.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package gqlremote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mobiletoly/go-overstore/overstore"
)

// System keys carried alongside application fields in wire records.
const (
	keyID            = "id"
	keyVersion       = "_version"
	keyDeleted       = "_deleted"
	keyLastChangedAt = "_lastChangedAt"
)

const conflictErrorType = "ConflictUnhandled"

// Client talks to a GraphQL-over-HTTP sync backend and implements
// overstore.RemoteClient.
type Client struct {
	endpoint string
	http     *http.Client
	tokens   TokenSource
	logger   *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTokenSource enables bearer authentication.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a client for the given GraphQL endpoint URL.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlError struct {
	Message   string          `json:"message"`
	ErrorType string          `json:"errorType"`
	Data      json.RawMessage `json:"data"`
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []gqlError                 `json:"errors"`
}

type syncPayload struct {
	Items     []json.RawMessage `json:"items"`
	NextToken string            `json:"nextToken"`
	StartedAt int64             `json:"startedAt"`
}

// FetchPage runs one page of the model's sync query. A non-nil since turns the
// query into a delta fetch of rows changed after that time.
func (c *Client) FetchPage(ctx context.Context, modelType, cursor string, since *time.Time, limit int) (*overstore.Page, error) {
	field := "sync" + modelType
	vars := map[string]any{"limit": limit}
	if cursor != "" {
		vars["nextToken"] = cursor
	}
	if since != nil {
		vars["lastSync"] = since.UTC().UnixMilli()
	}
	query := fmt.Sprintf(
		`query Sync($limit: Int, $nextToken: String, $lastSync: Long) {
  %s(limit: $limit, nextToken: $nextToken, lastSync: $lastSync) { items nextToken startedAt }
}`, field)

	resp, err := c.execute(ctx, "sync query", gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return nil, err
	}
	raw, ok := resp.Data[field]
	if !ok {
		return nil, fmt.Errorf("sync response missing %q", field)
	}
	var payload syncPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode sync payload: %w", err)
	}

	page := &overstore.Page{NextCursor: payload.NextToken}
	if payload.StartedAt > 0 {
		page.ServerSyncTime = time.UnixMilli(payload.StartedAt).UTC()
	}
	for _, item := range payload.Items {
		rec, err := decodeRemoteRecord(modelType, item)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, *rec)
	}
	return page, nil
}

// Mutate sends one queued mutation. A ConflictUnhandled response maps to
// *overstore.ConditionalSaveFailure carrying the server's current row.
func (c *Client) Mutate(ctx context.Context, ev overstore.MutationEvent) (*overstore.RemoteRecord, error) {
	var op, opName string
	switch ev.Type {
	case overstore.MutationCreate:
		op, opName = "create", "Create"
	case overstore.MutationUpdate:
		op, opName = "update", "Update"
	case overstore.MutationDelete:
		op, opName = "delete", "Delete"
	default:
		return nil, fmt.Errorf("unknown mutation type %q", ev.Type)
	}
	field := op + ev.ModelType

	input := make(map[string]any, len(ev.Fields)+2)
	for k, v := range ev.Fields {
		input[k] = v
	}
	input[keyID] = ev.ModelID
	if ev.BaseVersion > 0 {
		input[keyVersion] = ev.BaseVersion
	}
	query := fmt.Sprintf(
		`mutation Mutate($input: %s%sInput!) { %s(input: $input) }`,
		opName, ev.ModelType, field)

	resp, err := c.execute(ctx, "mutation", gqlRequest{
		Query:     query,
		Variables: map[string]any{"input": input},
	})
	if err != nil {
		return nil, err
	}
	if gerr := findConflict(resp.Errors); gerr != nil {
		failure := &overstore.ConditionalSaveFailure{ModelType: ev.ModelType, ModelID: ev.ModelID}
		if len(gerr.Data) > 0 && string(gerr.Data) != "null" {
			server, err := decodeRemoteRecord(ev.ModelType, gerr.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode conflict data: %w", err)
			}
			failure.ServerRecord = server
		}
		return nil, failure
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("mutation %s rejected: %s", field, resp.Errors[0].Message)
	}
	raw, ok := resp.Data[field]
	if !ok {
		return nil, fmt.Errorf("mutation response missing %q", field)
	}
	return decodeRemoteRecord(ev.ModelType, raw)
}

func findConflict(errs []gqlError) *gqlError {
	for i := range errs {
		if errs[i].ErrorType == conflictErrorType {
			return &errs[i]
		}
	}
	return nil
}

// Subscribe opens a streaming NDJSON connection for the model's change feed.
// Each line of the response body is one wire record. The returned channels
// close when the stream ends; the terminal error (including disconnects) is
// delivered on the error channel.
func (c *Client) Subscribe(ctx context.Context, modelType string) (<-chan overstore.RemoteChange, <-chan error, error) {
	body, err := json.Marshal(gqlRequest{
		Query: fmt.Sprintf(`subscription { onChange%s }`, modelType),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode subscription request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if err := c.authorize(ctx, req); err != nil {
		return nil, nil, err
	}

	// Streaming responses must not be cut short by the request timeout.
	hc := &http.Client{Transport: c.http.Transport}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, &overstore.NetworkError{Op: "subscribe", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		msg := readErrorBody(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, nil, &overstore.NetworkError{
				Op:  "subscribe",
				Err: fmt.Errorf("status %d: %s", resp.StatusCode, msg),
			}
		}
		return nil, nil, fmt.Errorf("subscription rejected with status %d: %s", resp.StatusCode, msg)
	}

	changes := make(chan overstore.RemoteChange, 16)
	errCh := make(chan error, 1)
	go func() {
		defer close(changes)
		defer close(errCh)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			rec, err := decodeRemoteRecord(modelType, line)
			if err != nil {
				c.logger.Warn("dropping malformed subscription event",
					"model", modelType, "error", err)
				continue
			}
			select {
			case changes <- *rec:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- &overstore.NetworkError{Op: "subscribe", Err: err}
			return
		}
		// Clean EOF still means the stream is gone.
		errCh <- &overstore.NetworkError{Op: "subscribe", Err: io.EOF}
	}()
	return changes, errCh, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) execute(ctx context.Context, op string, greq gqlRequest) (*gqlResponse, error) {
	body, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &overstore.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &overstore.NetworkError{
			Op:  op,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, readErrorBody(resp.Body)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s rejected with status %d: %s", op, resp.StatusCode, readErrorBody(resp.Body))
	}

	var gresp gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&gresp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &gresp, nil
}

func readErrorBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}

// decodeRemoteRecord splits a wire object into application fields and sync
// system fields.
func decodeRemoteRecord(modelType string, raw []byte) (*overstore.RemoteRecord, error) {
	obj := make(map[string]any)
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode wire record: %w", err)
	}
	id, _ := obj[keyID].(string)
	if id == "" {
		return nil, fmt.Errorf("wire record missing id")
	}

	rec := &overstore.RemoteRecord{
		Record: overstore.Record{
			ModelType: modelType,
			ID:        id,
			Fields:    make(map[string]any),
		},
	}
	for k, v := range obj {
		switch k {
		case keyID:
		case keyVersion:
			if f, ok := v.(float64); ok {
				rec.Version = int64(f)
			}
		case keyDeleted:
			if b, ok := v.(bool); ok {
				rec.Deleted = b
			}
		case keyLastChangedAt:
			if f, ok := v.(float64); ok {
				rec.LastChangedAt = time.UnixMilli(int64(f)).UTC()
			}
		default:
			rec.Fields[k] = v
		}
	}
	if rec.Version <= 0 {
		return nil, fmt.Errorf("wire record %s/%s missing version", modelType, id)
	}
	return rec, nil
}
