package consulkv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient(t *testing.T) {
	tests := []struct {
		method string
		path   string
		query  Query
		send   map[string]string
		recv   map[string]string
	}{
		{
			method: "GET",
			path:   "/",
			query:  Query{{"question", "universe"}},
			recv:   map[string]string{"answer": "42"},
			send:   map[string]string{},
		},
		{
			method: "POST",
			path:   "/hello/world",
			query:  nil,
			recv:   map[string]string{"answer": "42"},
			send:   map[string]string{},
		},
		{
			method: "PUT",
			path:   "/hello/world",
			query:  nil,
			recv:   map[string]string{},
			send:   map[string]string{"body": "test"},
		},
		{
			method: "DELETE",
			path:   "/hello/world",
			query:  nil,
			recv:   map[string]string{},
			send:   map[string]string{},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.method, func(t *testing.T) {
			server, client := newServerClient(func(res http.ResponseWriter, req *http.Request) {
				var send map[string]string

				switch {
				case req.Method != test.method:
					t.Error("invalid method:", req.Method)

				case req.URL.Path != test.path:
					t.Error("invalid path:", req.URL.Path)

				case !reflect.DeepEqual(req.URL.Query(), append(test.query, Param{"dc", "dc1"}).Values()):
					t.Error("invalid query string:", req.URL.RawQuery)
				}

				if err := json.NewDecoder(req.Body).Decode(&send); err != nil {
					t.Error(err)
				}

				if !reflect.DeepEqual(send, test.send) {
					t.Error(send)
				}

				if send != nil && req.ContentLength < 0 {
					t.Error("invalid content length")
				}

				json.NewEncoder(res).Encode(test.recv)
			})
			defer server.Close()

			var recv map[string]string
			if err := client.Do(context.Background(), test.method, test.path, test.query, test.send, &recv); err != nil {
				t.Error(err)
			}
			if !reflect.DeepEqual(recv, test.recv) {
				t.Error(recv)
			}
		})
	}
}

func TestClientHeaders(t *testing.T) {
	server, client := newServerClient(func(res http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "test", req.Header.Get("User-Agent"))
		assert.Equal(t, "application/json; charset=utf-8", req.Header.Get("Content-Type"))
		assert.Equal(t, "application/json; charset=utf-8", req.Header.Get("Accept"))
	})
	defer server.Close()

	require.NoError(t, client.Get(context.Background(), "/v1/kv/A", nil, nil))
}

func TestClientRequestError(t *testing.T) {
	tests := []struct {
		scenario string
		status   int
		notFound bool
	}{
		{
			scenario: "a 404 response is reported as a not found error",
			status:   http.StatusNotFound,
			notFound: true,
		},
		{
			scenario: "a 500 response is not reported as a not found error",
			status:   http.StatusInternalServerError,
			notFound: false,
		},
		{
			scenario: "a 403 response is not reported as a not found error",
			status:   http.StatusForbidden,
			notFound: false,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.scenario, func(t *testing.T) {
			server, client := newServerClient(func(res http.ResponseWriter, req *http.Request) {
				res.WriteHeader(test.status)
			})
			defer server.Close()

			err := client.Get(context.Background(), "/v1/kv/A", nil, nil)
			require.Error(t, err)
			assert.Equal(t, test.notFound, IsNotFound(err))

			reqErr, ok := err.(*RequestError)
			require.True(t, ok, "%T is not a *RequestError", err)
			assert.Equal(t, "GET", reqErr.Method)
			assert.Equal(t, test.status, reqErr.StatusCode)
			assert.Equal(t, "/v1/kv/A", reqErr.URL.Path)
		})
	}
}

func TestClientDecodeError(t *testing.T) {
	server, client := newServerClient(func(res http.ResponseWriter, req *http.Request) {
		res.Write([]byte(`{"answer":`))
	})
	defer server.Close()

	var recv map[string]string
	err := client.Get(context.Background(), "/v1/kv/A", nil, &recv)
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestClientLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	server, client := newServerClient(func(res http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/kv/A" {
			res.WriteHeader(http.StatusNotFound)
		}
	})
	defer server.Close()
	client.Logger = logger

	require.NoError(t, client.Get(context.Background(), "/v1/kv/A", nil, nil))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.DebugLevel, entry.Level)
	assert.Equal(t, "GET", entry.Data["method"])
	assert.Equal(t, http.StatusOK, entry.Data["status"])

	assert.Error(t, client.Get(context.Background(), "/v1/kv/B", nil, nil))

	entry = hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, http.StatusNotFound, entry.Data["status"])
	assert.NotNil(t, entry.Data[logrus.ErrorKey])
	assert.Len(t, hook.AllEntries(), 2)
}

func TestQueryString(t *testing.T) {
	tests := []struct {
		query Query
		str   string
	}{
		{
			query: nil,
			str:   "",
		},
		{
			query: Query{{Name: "recurse"}},
			str:   "recurse",
		},
		{
			query: Query{{"acquire", "adf4238a-882b-9ddc-4a9d-5b6758e4159e"}, {"dc", "dc1"}},
			str:   "acquire=adf4238a-882b-9ddc-4a9d-5b6758e4159e&dc=dc1",
		},
		{
			query: Query{{"cas", "42"}, {Name: "keys"}},
			str:   "cas=42&keys",
		},
	}

	for _, test := range tests {
		if s := test.query.String(); s != test.str {
			t.Errorf("%#v: %q != %q", test.query, s, test.str)
		}
	}
}

func newServerClient(handler func(http.ResponseWriter, *http.Request)) (server *httptest.Server, client *Client) {
	server = httptest.NewServer(http.HandlerFunc(handler))
	client = &Client{
		Address:    server.URL,
		UserAgent:  "test",
		Datacenter: "dc1",
	}
	return
}
