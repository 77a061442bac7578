// Package kvtest provides an in-memory implementation of the consul key/value
// HTTP API, meant to be used in tests of programs that talk to consul.
//
//	server := kvtest.NewServer()
//	defer server.Close()
//
//	keystore := consulkv.NewKeystore(server.URL)
//
// The server implements reads (single key, recurse, keys), writes (plain,
// acquire, release, cas, flags) and deletes (single key, recurse). Sessions are
// registered with CreateSession since the session API itself is not served.
package kvtest

import (
	"encoding/base64"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/objconv/json"
)

const prefix = "/v1/kv/"

// Request is a record of a request received by a Server.
type Request struct {
	Method string
	Key    string
	Query  url.Values
	Body   []byte
}

// Server is an HTTP server serving an in-memory key/value store under /v1/kv/.
//
// Servers are safe to use concurrently from multiple goroutines.
type Server struct {
	*httptest.Server

	mutex     sync.Mutex
	index     uint64
	entries   map[string]*entry
	sessions  map[string]struct{}
	responses map[string]response
	requests  []Request
}

type entry struct {
	createIndex uint64
	modifyIndex uint64
	lockIndex   uint64
	flags       uint64
	value       []byte
	session     string
}

type response struct {
	status int
	body   string
}

// record is the representation of keys in responses, values are base64
// encoded like the consul agent does.
type record struct {
	Key         string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Value       *string
	Session     string `json:",omitempty"`
}

// NewServer starts and returns a new Server. The caller should call Close when
// finished, to shut it down.
func NewServer() *Server {
	s := &Server{
		entries:   make(map[string]*entry),
		sessions:  make(map[string]struct{}),
		responses: make(map[string]response),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// CreateSession registers a new session and returns its id.
func (s *Server) CreateSession() string {
	id := uuid.New().String()
	s.mutex.Lock()
	s.sessions[id] = struct{}{}
	s.mutex.Unlock()
	return id
}

// DestroySession invalidates the session, releasing all locks it was holding.
func (s *Server) DestroySession(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.sessions, id)

	for _, e := range s.entries {
		if e.session == id {
			e.session = ""
		}
	}
}

// Set writes value at key, bypassing the HTTP API.
func (s *Server) Set(key string, value []byte) {
	s.mutex.Lock()
	s.put(key, value)
	s.mutex.Unlock()
}

// Get returns the value stored at key, bypassing the HTTP API. The second
// return value is false if the key does not exist.
func (s *Server) Get(key string) ([]byte, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e := s.entries[key]; e != nil {
		return e.value, true
	}
	return nil, false
}

// Holder returns the id of the session holding the lock on key, or an empty
// string if the key is not locked.
func (s *Server) Holder(key string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if e := s.entries[key]; e != nil {
		return e.session
	}
	return ""
}

// Respond configures the server to answer every request made on key with the
// given status and body instead of serving it from the store.
func (s *Server) Respond(key string, status int, body string) {
	s.mutex.Lock()
	s.responses[key] = response{status: status, body: body}
	s.mutex.Unlock()
}

// Requests returns the list of requests received by the server so far.
func (s *Server) Requests() []Request {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	requests := make([]Request, len(s.requests))
	copy(requests, s.requests)
	return requests
}

func (s *Server) serveHTTP(res http.ResponseWriter, req *http.Request) {
	if !strings.HasPrefix(req.URL.Path, prefix) {
		http.NotFound(res, req)
		return
	}

	body, err := ioutil.ReadAll(req.Body)
	if err != nil {
		http.Error(res, err.Error(), http.StatusBadRequest)
		return
	}

	key := strings.TrimPrefix(req.URL.Path, prefix)
	query := req.URL.Query()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.requests = append(s.requests, Request{
		Method: req.Method,
		Key:    key,
		Query:  query,
		Body:   body,
	})

	if r, ok := s.responses[key]; ok {
		res.WriteHeader(r.status)
		io.WriteString(res, r.body)
		return
	}

	switch req.Method {
	case "GET":
		s.read(res, key, query)
	case "PUT":
		s.write(res, key, query, body)
	case "DELETE":
		s.remove(res, key, query)
	default:
		http.Error(res, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) read(res http.ResponseWriter, key string, query url.Values) {
	var result interface{}

	switch {
	case has(query, "keys"):
		keys := s.list(key)
		if len(keys) == 0 {
			res.WriteHeader(http.StatusNotFound)
			return
		}
		result = keys

	case has(query, "recurse"):
		keys := s.list(key)
		if len(keys) == 0 {
			res.WriteHeader(http.StatusNotFound)
			return
		}
		records := make([]record, len(keys))
		for i, k := range keys {
			records[i] = s.record(k)
		}
		result = records

	default:
		if s.entries[key] == nil {
			res.WriteHeader(http.StatusNotFound)
			return
		}
		result = []record{s.record(key)}
	}

	res.Header().Set("Content-Type", "application/json")
	res.Header().Set("X-Consul-Index", strconv.FormatUint(s.index, 10))
	json.NewEncoder(res).Encode(result)
}

func (s *Server) write(res http.ResponseWriter, key string, query url.Values, value []byte) {
	ok := true
	e := s.entries[key]

	switch {
	case has(query, "acquire"):
		session := query.Get("acquire")
		if _, exists := s.sessions[session]; !exists {
			http.Error(res, "invalid session \""+session+"\"", http.StatusInternalServerError)
			return
		}
		if ok = e == nil || e.session == "" || e.session == session; ok {
			e = s.put(key, value)
			if e.session != session {
				e.session = session
				e.lockIndex++
			}
		}

	case has(query, "release"):
		session := query.Get("release")
		if ok = e != nil && e.session == session; ok {
			e = s.put(key, value)
			e.session = ""
		}

	case has(query, "cas"):
		index, err := strconv.ParseUint(query.Get("cas"), 10, 64)
		if err != nil {
			http.Error(res, "invalid cas index", http.StatusBadRequest)
			return
		}
		if index == 0 {
			ok = e == nil
		} else {
			ok = e != nil && e.modifyIndex == index
		}
		if ok {
			e = s.put(key, value)
		}

	default:
		e = s.put(key, value)
	}

	if ok && has(query, "flags") {
		e.flags, _ = strconv.ParseUint(query.Get("flags"), 10, 64)
	}

	res.Header().Set("Content-Type", "application/json")
	io.WriteString(res, strconv.FormatBool(ok))
}

func (s *Server) remove(res http.ResponseWriter, key string, query url.Values) {
	if has(query, "recurse") {
		for _, k := range s.list(key) {
			delete(s.entries, k)
		}
	} else {
		delete(s.entries, key)
	}
	s.index++

	res.Header().Set("Content-Type", "application/json")
	io.WriteString(res, "true")
}

func (s *Server) put(key string, value []byte) *entry {
	s.index++

	e := s.entries[key]
	if e == nil {
		e = &entry{createIndex: s.index}
		s.entries[key] = e
	}

	if len(value) == 0 {
		e.value = nil
	} else {
		e.value = append([]byte(nil), value...)
	}

	e.modifyIndex = s.index
	return e
}

func (s *Server) list(prefix string) []string {
	keys := make([]string, 0, len(s.entries))

	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)
	return keys
}

func (s *Server) record(key string) record {
	e := s.entries[key]
	r := record{
		Key:         key,
		CreateIndex: e.createIndex,
		ModifyIndex: e.modifyIndex,
		LockIndex:   e.lockIndex,
		Flags:       e.flags,
		Session:     e.session,
	}
	if e.value != nil {
		v := base64.StdEncoding.EncodeToString(e.value)
		r.Value = &v
	}
	return r
}

func has(query url.Values, name string) bool {
	_, ok := query[name]
	return ok
}
