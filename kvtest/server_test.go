package kvtest

import (
	"io/ioutil"
	"net/http"
	"strings"
	"testing"

	"github.com/segmentio/objconv/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer(t *testing.T) {
	server := NewServer()
	defer server.Close()

	t.Run("reading a missing key responds with 404", func(t *testing.T) {
		res := do(t, "GET", server.URL+"/v1/kv/missing", "")
		res.Body.Close()
		assert.Equal(t, http.StatusNotFound, res.StatusCode)
	})

	t.Run("writing a key responds with true", func(t *testing.T) {
		res := do(t, "PUT", server.URL+"/v1/kv/A", "hello")
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "true", body(t, res))

		value, ok := server.Get("A")
		assert.True(t, ok)
		assert.Equal(t, "hello", string(value))
	})

	t.Run("reading a key responds with base64 values and the index header", func(t *testing.T) {
		res := do(t, "GET", server.URL+"/v1/kv/A", "")
		require.Equal(t, http.StatusOK, res.StatusCode)
		assert.NotEmpty(t, res.Header.Get("X-Consul-Index"))

		var records []struct {
			Key         string
			CreateIndex uint64
			Value       string
		}
		require.NoError(t, json.NewDecoder(res.Body).Decode(&records))
		res.Body.Close()

		require.Len(t, records, 1)
		assert.Equal(t, "A", records[0].Key)
		assert.Equal(t, "aGVsbG8=", records[0].Value)
		assert.NotZero(t, records[0].CreateIndex)
	})

	t.Run("locks are only granted to registered sessions", func(t *testing.T) {
		res := do(t, "PUT", server.URL+"/v1/kv/lock?acquire=unknown", "")
		res.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

		session := server.CreateSession()
		res = do(t, "PUT", server.URL+"/v1/kv/lock?acquire="+session, "")
		assert.Equal(t, "true", body(t, res))
		assert.Equal(t, session, server.Holder("lock"))

		server.DestroySession(session)
		assert.Empty(t, server.Holder("lock"))
	})

	t.Run("configured responses replace the store", func(t *testing.T) {
		server.Respond("forced", http.StatusOK, "maybe")
		res := do(t, "PUT", server.URL+"/v1/kv/forced", "")
		assert.Equal(t, "maybe", body(t, res))

		_, ok := server.Get("forced")
		assert.False(t, ok)
	})

	t.Run("requests are recorded", func(t *testing.T) {
		requests := server.Requests()
		require.NotEmpty(t, requests)
		assert.Equal(t, "PUT", requests[1].Method)
		assert.Equal(t, "A", requests[1].Key)
		assert.Equal(t, "hello", string(requests[1].Body))
	})
}

func do(t *testing.T, method string, url string, content string) *http.Response {
	req, err := http.NewRequest(method, url, strings.NewReader(content))
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return res
}

func body(t *testing.T, res *http.Response) string {
	defer res.Body.Close()
	b, err := ioutil.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}
