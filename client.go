package consulkv

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/objconv/json"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultAddress is the default consul agent address used when creating a
	// consul client.
	DefaultAddress = "localhost:8500"

	// ConsulEnvironment is the name of the environment variable commonly used
	// to configure the address of the consul agent.
	ConsulEnvironment = "CONSUL_HTTP_ADDR"
)

var (
	// DefaultTransport is the default HTTP transport used by consul clients.
	// It differs from the default transport in net/http because we don't want
	// to enable compression, or allow requests to be proxied. The sizes of the
	// connection pool is also tuned to lower numbers since clients usually
	// communicate with their local agent only.
	DefaultTransport http.RoundTripper = &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 5 * time.Second,
		}).DialContext,
		DisableCompression:    true,
		MaxIdleConns:          5,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// DefaultClient is the default client used when none is specified.
	DefaultClient = &Client{}

	// DefaultUserAgent is the default user agent used by consul clients when
	// none has been set.
	DefaultUserAgent string
)

func init() {
	DefaultUserAgent = fmt.Sprintf("%s (github.com/segmentio/consul-kv)", filepath.Base(os.Args[0]))
}

// A Client exposes an API for sending requests to the HTTP API of a consul
// agent.
//
// The properties of a client are only read by its methods, it is therefore
// safe to use a client concurrently from multiple goroutines once it was
// constructed.
type Client struct {
	// Address of the consul agent this client sends requests to, it may be
	// prefixed with a scheme (http:// or https://).
	// DefaultAddress is used if this field is empty.
	Address string

	// UserAgent may be set to any string which identify who the client is.
	UserAgent string

	// Datacenter may be set to configure which consul datacenter the client
	// sends requests for.
	// If Datacenter is an empty string the agent's default is used.
	Datacenter string

	// Transport is the HTTP transport used by the client to send requests to
	// its agent.
	// If Transport is nil then DefaultTransport is used instead.
	Transport http.RoundTripper

	// Logger receives a debug entry for every request sent by the client.
	// Nothing is logged if Logger is nil.
	Logger logrus.FieldLogger
}

// Get sends a GET request to the consul agent.
//
// See (*Client).Do for the full documentation.
func (c *Client) Get(ctx context.Context, path string, query Query, recv interface{}) error {
	return c.Do(ctx, "GET", path, query, nil, recv)
}

// Put sends a PUT request to the consul agent.
//
// See (*Client).Do for the full documentation.
func (c *Client) Put(ctx context.Context, path string, query Query, send interface{}, recv interface{}) error {
	return c.Do(ctx, "PUT", path, query, send, recv)
}

// Delete sends a DELETE request to the consul agent.
//
// See (*Client).Do for the full documentation.
func (c *Client) Delete(ctx context.Context, path string, query Query, recv interface{}) error {
	return c.Do(ctx, "DELETE", path, query, nil, recv)
}

// Do sends a request to the consul agent. The method, path, and query arguments
// represent the API call being made. The send argument is the value sent in the
// body of the request, which is usually of struct type, or nil if the request
// has an empty body. The recv argument should be a pointer to a type which
// matches the format of the response, or nil if no response is expected.
func (c *Client) Do(ctx context.Context, method string, path string, query Query, send interface{}, recv interface{}) (err error) {
	var body []byte
	var res io.ReadCloser

	if send != nil {
		b := &bytes.Buffer{}
		if err = json.NewEncoder(b).Encode(send); err != nil {
			return errors.Wrapf(err, "encoding body of %s %s", method, path)
		}
		body = b.Bytes()
	}

	if _, res, err = c.do(ctx, method, path, query, body); err != nil {
		return
	}
	defer res.Close()

	if recv != nil {
		if err = json.NewDecoder(res).Decode(recv); err != nil {
			err = errors.Wrapf(err, "decoding response of %s %s", method, path)
		}
	}

	return
}

func (c *Client) do(ctx context.Context, method string, path string, query Query, send []byte) (header http.Header, recv io.ReadCloser, err error) {
	var res *http.Response
	var scheme = "http"
	var address = c.Address
	var transport = c.Transport
	var userAgent = c.UserAgent
	var start = time.Now()

	if len(address) == 0 {
		address = DefaultAddress
	} else if i := strings.Index(address, "://"); i >= 0 {
		scheme, address = address[:i], address[i+3:]
	}

	if len(userAgent) == 0 {
		userAgent = DefaultUserAgent
	}

	if transport == nil {
		transport = DefaultTransport
	}

	if dc := c.Datacenter; len(dc) != 0 {
		query = append(query, Param{"dc", dc})
	}

	url := &url.URL{
		Scheme:   scheme,
		Host:     address,
		Path:     path,
		RawQuery: query.String(),
	}

	req := &http.Request{
		Method:     method,
		URL:        url,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Accept":       {"application/json; charset=utf-8"},
			"Content-Type": {"application/json; charset=utf-8"},
			"User-Agent":   {userAgent},
		},
		Host: address,
	}

	if len(send) != 0 {
		req.Body = ioutil.NopCloser(bytes.NewReader(send))
		req.ContentLength = int64(len(send))
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if res, err = transport.RoundTrip(req.WithContext(ctx)); err != nil {
		c.log(method, url, 0, start, err)
		err = errors.Wrapf(err, "%s %s", method, url)
		return
	}

	if res.StatusCode == http.StatusOK {
		c.log(method, url, res.StatusCode, start, nil)
		header, recv = res.Header, res.Body
		return
	}

	res.Body.Close()
	err = newRequestError(method, url, res)
	c.log(method, url, res.StatusCode, start, err)
	return
}

func (c *Client) log(method string, url *url.URL, status int, start time.Time, err error) {
	if c.Logger == nil {
		return
	}

	entry := c.Logger.WithFields(logrus.Fields{
		"method":   method,
		"url":      url.String(),
		"status":   status,
		"duration": time.Since(start),
	})

	if err != nil {
		entry = entry.WithError(err)
	}

	entry.Debug("consul request")
}

// Query is a representation of a URL query string as a list of parameters.
type Query []Param

// Param represents a single item in a query string.
type Param struct {
	Name  string
	Value string
}

// String satisfies the fmt.Stringer interface.
func (q Query) String() string {
	b := make([]byte, 0, 100)

	for i, p := range q {
		if i != 0 {
			b = append(b, '&')
		}
		b = append(b, url.QueryEscape(p.Name)...)
		if len(p.Value) != 0 {
			b = append(b, '=')
			b = append(b, url.QueryEscape(p.Value)...)
		}
	}

	return string(b)
}

// Values converts q to a url.Values.
func (q Query) Values() url.Values {
	v := make(url.Values, len(q))

	for _, p := range q {
		v.Set(p.Name, p.Value)
	}

	return v
}
