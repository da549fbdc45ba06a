// Package oxidb provides a TCP client for oxidb-server document collections
// and blob storage.
//
// Protocol: each message is [4-byte little-endian length][JSON payload].
// Server responds with {"ok": true, "data": ...} or {"ok": false, "error": "..."}.
package oxidb

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// maxFrame caps a single response frame.
const maxFrame = 256 << 20

// Client is a TCP client for oxidb-server. Thread-safe via mutex.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Connect creates a new client connected to oxidb-server.
func Connect(ctx context.Context, addr string, timeout time.Duration) (*Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("oxidb: connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the TCP connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ------------------------------------------------------------------
// Low-level protocol
// ------------------------------------------------------------------

func (c *Client) sendRaw(data []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := c.conn.Write(lenBuf); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

func (c *Client) recvRaw() ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.conn, lenBuf); err != nil {
		return nil, fmt.Errorf("oxidb: read length: %w", err)
	}
	length := binary.LittleEndian.Uint32(lenBuf)
	if length > maxFrame {
		return nil, fmt.Errorf("oxidb: response frame of %d bytes exceeds limit", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, fmt.Errorf("oxidb: read payload: %w", err)
	}
	return payload, nil
}

type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func (c *Client) request(ctx context.Context, payload map[string]any) (*response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("oxidb: marshal request: %w", err)
	}
	if err := c.sendRaw(jsonBytes); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("oxidb: send: %w", err)
	}
	respBytes, err := c.recvRaw()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	var resp response
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return nil, fmt.Errorf("oxidb: unmarshal response: %w", err)
	}
	return &resp, nil
}

func (c *Client) checked(ctx context.Context, payload map[string]any, out any) error {
	resp, err := c.request(ctx, payload)
	if err != nil {
		return err
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return &Error{Msg: msg}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("oxidb: decode data: %w", err)
	}
	return nil
}

// ------------------------------------------------------------------
// Utility
// ------------------------------------------------------------------

// Ping sends a ping to the server. Returns "pong".
func (c *Client) Ping(ctx context.Context) (string, error) {
	var s string
	if err := c.checked(ctx, map[string]any{"cmd": "ping"}, &s); err != nil {
		return "", err
	}
	return s, nil
}

// ------------------------------------------------------------------
// Collections and indexes
// ------------------------------------------------------------------

// CreateCollection explicitly creates a collection.
func (c *Client) CreateCollection(ctx context.Context, name string) error {
	return c.checked(ctx, map[string]any{"cmd": "create_collection", "collection": name}, nil)
}

// CreateIndex creates a non-unique index on a field.
func (c *Client) CreateIndex(ctx context.Context, collection, field string) error {
	return c.checked(ctx, map[string]any{"cmd": "create_index", "collection": collection, "field": field}, nil)
}

// CreateUniqueIndex creates a unique index on a field.
func (c *Client) CreateUniqueIndex(ctx context.Context, collection, field string) error {
	return c.checked(ctx, map[string]any{"cmd": "create_unique_index", "collection": collection, "field": field}, nil)
}

// CreateCompositeIndex creates a composite index on multiple fields.
func (c *Client) CreateCompositeIndex(ctx context.Context, collection string, fields []string) error {
	return c.checked(ctx, map[string]any{"cmd": "create_composite_index", "collection": collection, "fields": fields}, nil)
}

// ------------------------------------------------------------------
// CRUD
// ------------------------------------------------------------------

// Insert inserts a single document and returns the server-assigned _id.
func (c *Client) Insert(ctx context.Context, collection string, doc map[string]any) (string, error) {
	var out struct {
		ID any `json:"id"`
	}
	if err := c.checked(ctx, map[string]any{"cmd": "insert", "collection": collection, "doc": doc}, &out); err != nil {
		return "", err
	}
	switch v := out.ID.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', 0, 64), nil
	}
	return "", nil
}

// FindOptions holds optional parameters for Find.
type FindOptions struct {
	Sort  map[string]any
	Skip  *int
	Limit *int
}

// Find returns documents matching a query.
func (c *Client) Find(ctx context.Context, collection string, query map[string]any, opts *FindOptions) ([]map[string]any, error) {
	payload := map[string]any{"cmd": "find", "collection": collection, "query": query}
	if opts != nil {
		if opts.Sort != nil {
			payload["sort"] = opts.Sort
		}
		if opts.Skip != nil {
			payload["skip"] = *opts.Skip
		}
		if opts.Limit != nil {
			payload["limit"] = *opts.Limit
		}
	}
	var out []map[string]any
	if err := c.checked(ctx, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne returns a single document matching a query, or nil.
func (c *Client) FindOne(ctx context.Context, collection string, query map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := c.checked(ctx, map[string]any{"cmd": "find_one", "collection": collection, "query": query}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOne updates at most one document matching a query and returns how
// many were modified.
func (c *Client) UpdateOne(ctx context.Context, collection string, query, update map[string]any) (int, error) {
	var out struct {
		Modified int `json:"modified"`
	}
	err := c.checked(ctx, map[string]any{
		"cmd": "update_one", "collection": collection,
		"query": query, "update": update,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Modified, nil
}

// DeleteOne deletes at most one document matching a query and returns how
// many were deleted.
func (c *Client) DeleteOne(ctx context.Context, collection string, query map[string]any) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.checked(ctx, map[string]any{
		"cmd": "delete_one", "collection": collection, "query": query,
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.Deleted, nil
}

// Count returns the number of documents matching a query.
func (c *Client) Count(ctx context.Context, collection string, query map[string]any) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.checked(ctx, map[string]any{"cmd": "count", "collection": collection, "query": query}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ------------------------------------------------------------------
// Blob storage
// ------------------------------------------------------------------

// ObjectMeta is the metadata the server keeps for a blob object.
type ObjectMeta struct {
	Key         string            `json:"key"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type"`
	ETag        string            `json:"etag"`
	CreatedAt   string            `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Created parses CreatedAt, accepting RFC 3339 or unix seconds.
func (m ObjectMeta) Created() time.Time {
	if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
		return t.UTC()
	}
	if secs, err := strconv.ParseInt(m.CreatedAt, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	return time.Time{}
}

// CreateBucket creates a blob storage bucket.
func (c *Client) CreateBucket(ctx context.Context, bucket string) error {
	return c.checked(ctx, map[string]any{"cmd": "create_bucket", "bucket": bucket}, nil)
}

// ListBuckets lists all blob storage buckets.
func (c *Client) ListBuckets(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.checked(ctx, map[string]any{"cmd": "list_buckets"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PutObject uploads a blob object. Data is base64-encoded automatically.
func (c *Client) PutObject(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) (ObjectMeta, error) {
	payload := map[string]any{
		"cmd":          "put_object",
		"bucket":       bucket,
		"key":          key,
		"data":         base64.StdEncoding.EncodeToString(data),
		"content_type": contentType,
	}
	if contentType == "" {
		payload["content_type"] = "application/octet-stream"
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	var meta ObjectMeta
	if err := c.checked(ctx, payload, &meta); err != nil {
		return ObjectMeta{}, err
	}
	return meta, nil
}

// GetObject downloads a blob object.
func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, ObjectMeta, error) {
	var out struct {
		Content  string     `json:"content"`
		Metadata ObjectMeta `json:"metadata"`
	}
	if err := c.checked(ctx, map[string]any{"cmd": "get_object", "bucket": bucket, "key": key}, &out); err != nil {
		return nil, ObjectMeta{}, err
	}
	decoded, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, ObjectMeta{}, fmt.Errorf("oxidb: decode base64: %w", err)
	}
	return decoded, out.Metadata, nil
}

// HeadObject gets blob object metadata without downloading content.
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (ObjectMeta, error) {
	var meta ObjectMeta
	if err := c.checked(ctx, map[string]any{"cmd": "head_object", "bucket": bucket, "key": key}, &meta); err != nil {
		return ObjectMeta{}, err
	}
	return meta, nil
}

// DeleteObject deletes a blob object.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	return c.checked(ctx, map[string]any{"cmd": "delete_object", "bucket": bucket, "key": key}, nil)
}

// ListObjects lists objects in a bucket whose key starts with prefix. A
// non-positive limit leaves the server default in place.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string, limit int) ([]ObjectMeta, error) {
	payload := map[string]any{"cmd": "list_objects", "bucket": bucket}
	if prefix != "" {
		payload["prefix"] = prefix
	}
	if limit > 0 {
		payload["limit"] = limit
	}
	var out []ObjectMeta
	if err := c.checked(ctx, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}
