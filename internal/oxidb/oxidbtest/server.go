// Package oxidbtest runs an in-process oxidb-server speaking the document and
// blob-storage subset of the wire protocol. Queries match on top-level field
// equality only.
package oxidbtest

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"fmt"
	"net"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

type object struct {
	data        []byte
	contentType string
	createdAt   time.Time
}

// Server is a fake oxidb-server. The zero value is not usable; call NewServer.
type Server struct {
	ln      net.Listener
	mu      sync.Mutex
	buckets map[string]map[string]object
	colls   map[string]*collection
	fail    map[string]string
	conns   map[net.Conn]struct{}
	done    bool
	wg      sync.WaitGroup
}

// NewServer starts a server on a loopback port and stops it on test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		ln:      ln,
		buckets: map[string]map[string]object{},
		colls:   map[string]*collection{},
		fail:    map[string]string{},
		conns:   map[net.Conn]struct{}{},
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	s.done = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// FailCommand makes every subsequent cmd return msg as a server error until
// cleared with an empty msg.
func (s *Server) FailCommand(cmd, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		delete(s.fail, cmd)
		return
	}
	s.fail[cmd] = msg
}

// Objects returns the keys stored in bucket.
func (s *Server) Objects(bucket string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		payload := make([]byte, binary.LittleEndian.Uint32(lenBuf))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		var req map[string]any
		var resp map[string]any
		if err := json.Unmarshal(payload, &req); err != nil {
			resp = map[string]any{"ok": false, "error": "bad request"}
		} else {
			resp = s.dispatch(req)
		}
		out, _ := json.Marshal(resp)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(out)))
		if _, err := conn.Write(append(lenBuf, out...)); err != nil {
			return
		}
	}
}

func fail(msg string) map[string]any { return map[string]any{"ok": false, "error": msg} }
func ok(data any) map[string]any { return map[string]any{"ok": true, "data": data} }

func meta(key string, o object) map[string]any {
	return map[string]any{
		"key":          key,
		"size":         len(o.data),
		"content_type": o.contentType,
		"etag":         "etag-" + key,
		"created_at":   o.createdAt.Format(time.RFC3339Nano),
	}
}

func (s *Server) dispatch(req map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, _ := req["cmd"].(string)
	if msg, bad := s.fail[cmd]; bad {
		return fail(msg)
	}
	if name, isDoc := req["collection"].(string); isDoc {
		return s.documentCmd(cmd, s.collection(name), req)
	}
	bucket, _ := req["bucket"].(string)
	key, _ := req["key"].(string)

	switch cmd {
	case "ping":
		return ok("pong")
	case "create_bucket":
		if _, exists := s.buckets[bucket]; exists {
			return fail("bucket already exists: " + bucket)
		}
		s.buckets[bucket] = map[string]object{}
		return ok(nil)
	case "list_buckets":
		names := make([]string, 0, len(s.buckets))
		for b := range s.buckets {
			names = append(names, b)
		}
		sort.Strings(names)
		return ok(names)
	}

	objs, exists := s.buckets[bucket]
	if !exists {
		return fail("bucket not found: " + bucket)
	}
	switch cmd {
	case "put_object":
		raw, _ := req["data"].(string)
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fail("invalid base64")
		}
		ct, _ := req["content_type"].(string)
		o := object{data: data, contentType: ct, createdAt: time.Now().UTC()}
		objs[key] = o
		return ok(meta(key, o))
	case "get_object":
		o, found := objs[key]
		if !found {
			return fail("object not found: " + key)
		}
		return ok(map[string]any{
			"content":  base64.StdEncoding.EncodeToString(o.data),
			"metadata": meta(key, o),
		})
	case "head_object":
		o, found := objs[key]
		if !found {
			return fail("object not found: " + key)
		}
		return ok(meta(key, o))
	case "delete_object":
		if _, found := objs[key]; !found {
			return fail("object not found: " + key)
		}
		delete(objs, key)
		return ok(nil)
	case "list_objects":
		prefix, _ := req["prefix"].(string)
		keys := make([]string, 0, len(objs))
		for k := range objs {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		out := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, meta(k, objs[k]))
		}
		return ok(out)
	}
	return fail("unknown command: " + cmd)
}

type collection struct {
	docs   []map[string]any
	unique []string
	nextID int
}

func (s *Server) collection(name string) *collection {
	c, found := s.colls[name]
	if !found {
		c = &collection{}
		s.colls[name] = c
	}
	return c
}

// Documents returns a copy of every document in the named collection.
func (s *Server) Documents(name string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.colls[name]
	if c == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(c.docs))
	for _, d := range c.docs {
		out = append(out, copyDoc(d))
	}
	return out
}

func copyDoc(d map[string]any) map[string]any {
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func matches(doc, query map[string]any) bool {
	for k, want := range query {
		if !reflect.DeepEqual(doc[k], want) {
			return false
		}
	}
	return true
}

func (c *collection) violatesUnique(doc map[string]any, skip int) (string, bool) {
	for _, field := range c.unique {
		v, set := doc[field]
		if !set {
			continue
		}
		for i, other := range c.docs {
			if i != skip && reflect.DeepEqual(other[field], v) {
				return field, true
			}
		}
	}
	return "", false
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case string:
		bv, _ := b.(string)
		return strings.Compare(av, bv)
	case float64:
		bv, _ := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func intArg(req map[string]any, name string) (int, bool) {
	f, set := req[name].(float64)
	return int(f), set
}

func (s *Server) documentCmd(cmd string, c *collection, req map[string]any) map[string]any {
	query, _ := req["query"].(map[string]any)
	switch cmd {
	case "create_collection", "create_index", "create_composite_index":
		return ok(nil)
	case "create_unique_index":
		field, _ := req["field"].(string)
		for _, f := range c.unique {
			if f == field {
				return ok(nil)
			}
		}
		c.unique = append(c.unique, field)
		return ok(nil)
	case "insert":
		doc, _ := req["doc"].(map[string]any)
		if doc == nil {
			return fail("doc is required")
		}
		if field, bad := c.violatesUnique(doc, -1); bad {
			return fail("unique constraint violated on field " + field)
		}
		c.nextID++
		doc = copyDoc(doc)
		doc["_id"] = float64(c.nextID)
		c.docs = append(c.docs, doc)
		return ok(map[string]any{"id": c.nextID})
	case "find_one":
		for _, d := range c.docs {
			if matches(d, query) {
				return ok(d)
			}
		}
		return ok(nil)
	case "find":
		var out []map[string]any
		for _, d := range c.docs {
			if matches(d, query) {
				out = append(out, d)
			}
		}
		if order, _ := req["sort"].(map[string]any); len(order) > 0 {
			for field, dir := range order {
				desc := dir == float64(-1)
				sort.SliceStable(out, func(i, j int) bool {
					cmp := compareValues(out[i][field], out[j][field])
					if desc {
						return cmp > 0
					}
					return cmp < 0
				})
			}
		}
		if skip, set := intArg(req, "skip"); set {
			if skip >= len(out) {
				out = nil
			} else {
				out = out[skip:]
			}
		}
		if limit, set := intArg(req, "limit"); set && limit < len(out) {
			out = out[:limit]
		}
		if out == nil {
			out = []map[string]any{}
		}
		return ok(out)
	case "count":
		n := 0
		for _, d := range c.docs {
			if matches(d, query) {
				n++
			}
		}
		return ok(map[string]any{"count": n})
	case "update_one":
		update, _ := req["update"].(map[string]any)
		set, _ := update["$set"].(map[string]any)
		unset, _ := update["$unset"].(map[string]any)
		for i, d := range c.docs {
			if !matches(d, query) {
				continue
			}
			next := copyDoc(d)
			for k, v := range set {
				next[k] = v
			}
			for k := range unset {
				delete(next, k)
			}
			if field, bad := c.violatesUnique(next, i); bad {
				return fail("unique constraint violated on field " + field)
			}
			c.docs[i] = next
			return ok(map[string]any{"modified": 1})
		}
		return ok(map[string]any{"modified": 0})
	case "delete_one":
		for i, d := range c.docs {
			if matches(d, query) {
				c.docs = append(c.docs[:i], c.docs[i+1:]...)
				return ok(map[string]any{"deleted": 1})
			}
		}
		return ok(map[string]any{"deleted": 0})
	}
	return fail("unknown command: " + cmd)
}
