// Package consulkv is a client for the key/value store of consul, exposing
// reads, writes, deletes and the session based lock primitives of the
// /v1/kv HTTP endpoint.
package consulkv

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/segmentio/objconv"
	"github.com/segmentio/objconv/json"
)

// A Keystore exposes an API to interract with the consul key/value store.
//
// Every method is a single request sent to the consul agent, there is no
// retry and no caching. Keystore values are safe to use concurrently from
// multiple goroutines as long as their fields aren't modified.
type Keystore struct {
	// The client used to send requests to the consul agent. If nil, the
	// default client is used instead.
	Client *Client

	// A key prefix to apply to all operations made on this keystore. Keys
	// returned by the methods are relative to the keyspace.
	Keyspace string
}

// NewKeystore returns a keystore which sends requests to the consul agent at
// the given address.
func NewKeystore(address string) *Keystore {
	return &Keystore{Client: &Client{Address: address}}
}

// SetKey writes value at the given key. The response of the consul agent is
// not interpreted, the method only fails if the request could not complete.
func (ks *Keystore) SetKey(ctx context.Context, key string, value []byte) error {
	_, res, err := ks.client().do(ctx, "PUT", ks.path(key), nil, value)
	if err != nil {
		return errors.Wrapf(err, "setting key %s", key)
	}
	res.Close()
	return nil
}

// SetValue writes the JSON representation of value at the given key. The
// usual marshaling rules apply.
func (ks *Keystore) SetValue(ctx context.Context, key string, value interface{}) error {
	// Use a pretty-JSON encoder to make it easier to read values in the consul
	// web UI.
	b := &bytes.Buffer{}
	e := objconv.Encoder{Emitter: json.NewPrettyEmitter(b)}

	if err := e.Encode(value); err != nil {
		return errors.Wrapf(err, "encoding value of key %s", key)
	}

	return ks.SetKey(ctx, key, b.Bytes())
}

// CompareAndSet writes value at the given key only if the last index that
// modified the key matches index. An index of zero means the key must not
// exist yet.
//
// The method returns false if the key was modified since index.
func (ks *Keystore) CompareAndSet(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	return ks.putBool(ctx, "compare-and-set", key, Query{{"cas", strconv.FormatUint(index, 10)}}, value)
}

// GetKey reads the value of the given key. A nil slice is returned if the key
// exists but has no value.
//
// If the key does not exist the method returns an error for which IsNotFound
// returns true.
func (ks *Keystore) GetKey(ctx context.Context, key string) ([]byte, error) {
	pair, err := ks.GetKVPair(ctx, key)
	if err != nil {
		return nil, err
	}
	if pair == nil {
		return nil, keyNotFound(key)
	}
	return pair.Value, nil
}

// GetValue reads the JSON-encoded value at the given key into ptr. The usual
// unmarshaling rules apply.
func (ks *Keystore) GetValue(ctx context.Context, key string, ptr interface{}) error {
	value, err := ks.GetKey(ctx, key)
	if err != nil {
		return err
	}
	if err = json.NewDecoder(bytes.NewReader(value)).Decode(ptr); err != nil {
		return errors.Wrapf(err, "decoding value of key %s", key)
	}
	return nil
}

// GetKVPair reads the key/value pair stored at the given key. The method
// returns nil if the key does not exist.
func (ks *Keystore) GetKVPair(ctx context.Context, key string) (*KVPair, error) {
	var pairs []KVPair

	if err := ks.client().Get(ctx, ks.path(key), nil, &pairs); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading key %s", key)
	}

	if len(pairs) == 0 {
		return nil, nil
	}

	pair := pairs[0]
	pair.Key = ks.clean(pair.Key)
	return &pair, nil
}

// List returns all key/value pairs stored under the given prefix. Trailing
// slashes are removed from the prefix before the request is sent.
//
// The returned slice is never nil when err is nil, listing a prefix with no
// keys returns an empty slice.
func (ks *Keystore) List(ctx context.Context, prefix string) (pairs []KVPair, err error) {
	pairs = []KVPair{}

	err = ks.Walk(ctx, prefix, func(pair KVPair) error {
		pairs = append(pairs, pair)
		return nil
	})

	switch {
	case IsNotFound(err):
		err = nil
	case err != nil:
		pairs = nil
	}

	return
}

// Walk traverses the keyspace under the given prefix, calling the walk function
// and passing each key/value pair. Trailing slashes are removed from the prefix
// before the request is sent.
//
// If the walk function returns an error the iteration is stopped and the error
// is returned by Walk. If no keys exist under prefix the method returns an
// error for which IsNotFound returns true.
func (ks *Keystore) Walk(ctx context.Context, prefix string, walk func(KVPair) error) (err error) {
	var result io.ReadCloser
	var path = ks.path(strings.TrimRight(prefix, "/"))

	if _, result, err = ks.client().do(ctx, "GET", path, Query{{Name: "recurse"}}, nil); err != nil {
		return errors.Wrapf(err, "listing %s", prefix)
	}
	defer result.Close()

	stream := json.NewStreamDecoder(result)

	for {
		var pair KVPair

		if stream.Decode(&pair) != nil {
			break
		}

		pair.Key = ks.clean(pair.Key)

		if err = walk(pair); err != nil {
			return
		}
	}

	if err = stream.Err(); err != nil {
		err = errors.Wrapf(err, "decoding keys under %s", prefix)
	}
	return
}

// Keys returns the list of keys that exist under the given prefix.
func (ks *Keystore) Keys(ctx context.Context, prefix string) (keys []string, err error) {
	if err = ks.client().Get(ctx, ks.path(prefix), Query{{Name: "keys"}}, &keys); err != nil {
		if IsNotFound(err) {
			return []string{}, nil
		}
		return nil, errors.Wrapf(err, "listing keys under %s", prefix)
	}

	for i := range keys {
		keys[i] = ks.clean(keys[i])
	}
	return
}

// DeleteKey deletes the given key.
func (ks *Keystore) DeleteKey(ctx context.Context, key string) error {
	return ks.delete(ctx, key, nil)
}

// DeleteTree deletes all keys stored under the given prefix.
func (ks *Keystore) DeleteTree(ctx context.Context, prefix string) error {
	return ks.delete(ctx, prefix, Query{{Name: "recurse"}})
}

func (ks *Keystore) delete(ctx context.Context, key string, query Query) error {
	_, res, err := ks.client().do(ctx, "DELETE", ks.path(key), query, nil)
	if err != nil {
		return errors.Wrapf(err, "deleting %s", key)
	}
	res.Close()
	return nil
}

// putBool sends a PUT request for endpoints that answer with a literal true or
// false. Any other body is reported as an error caused by
// ErrUnexpectedResponse.
func (ks *Keystore) putBool(ctx context.Context, op string, key string, query Query, value []byte) (bool, error) {
	_, res, err := ks.client().do(ctx, "PUT", ks.path(key), query, value)
	if err != nil {
		return false, errors.Wrapf(err, "%s %s", op, key)
	}
	defer res.Close()

	b, err := ioutil.ReadAll(io.LimitReader(res, 64))
	if err != nil {
		return false, errors.Wrapf(err, "%s %s", op, key)
	}

	switch string(bytes.TrimSpace(b)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, errors.Wrapf(ErrUnexpectedResponse, "%s %s: %q", op, key, b)
	}
}

func (ks *Keystore) client() *Client {
	if client := ks.Client; client != nil {
		return client
	}
	return DefaultClient
}

func (ks *Keystore) path(key string) string {
	return formatKVPath(ks.Keyspace, key)
}

func (ks *Keystore) clean(key string) string {
	if keyspace := strings.Trim(ks.Keyspace, "/"); len(keyspace) != 0 {
		key = strings.TrimPrefix(key, keyspace+"/")
	}
	return strings.TrimPrefix(key, "/")
}

// Our own snowflake cleanPath, derived from net/http/server.go
func cleanPath(p string) string {
	if p == "" {
		return ""
	}

	// Convert trailing /. to /, so path.Clean doesn't get to it
	if strings.HasSuffix(p, "/.") {
		p = p[:len(p)-1]
	}

	if p[0] != '/' {
		p = "/" + p
	}
	np := path.Clean(p)
	// path.Clean removes trailing slash except for root;
	// put the trailing slash back if necessary.
	if p[len(p)-1] == '/' && np != "/" {
		np += "/"
	}
	return np
}

func formatKVPath(prefix, key string) string {
	joined := cleanPath("/v1/kv") + "/" + cleanPath(prefix) + "/" + cleanPath(key)

	// collapse slashes
	out := make([]byte, 0, len(joined))
	var last byte
	for i := 0; i < len(joined); i++ {
		if c := joined[i]; c != '/' || last != '/' {
			out = append(out, c)
			last = c
		}
	}

	return string(out)
}
