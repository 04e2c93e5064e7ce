// Package fetch sends GraphQL requests to federated services over HTTP.
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/buger/jsonparser"
	"github.com/jensneuse/abstractlogger"

	"github.com/jensneuse/graphql-gateway/pkg/gateway/registry"
	"github.com/jensneuse/graphql-gateway/pkg/graphqlerrors"
	"github.com/jensneuse/graphql-gateway/pkg/metric"
)

const (
	ContentEncodingHeader = "Content-Encoding"
	AcceptEncodingHeader  = "Accept-Encoding"
	AcceptHeader          = "Accept"
	ContentTypeHeader     = "Content-Type"

	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"

	ContentTypeJSON = "application/json"
)

const (
	ServiceDefinitionOperationName = "__ApolloGetServiceDefinition__"
	ServiceDefinitionQuery         = "query " + ServiceDefinitionOperationName + " { _service { sdl } }"
)

var DefaultHTTPClient = &http.Client{
	Timeout: time.Second * 10,
	Transport: &http.Transport{
		MaxIdleConnsPerHost: 1024,
	},
}

type Request struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables,omitempty"`
	OperationName string                 `json:"operationName,omitempty"`
}

type Response struct {
	Data   json.RawMessage              `json:"data"`
	Errors []graphqlerrors.RequestError `json:"errors,omitempty"`
	// Header holds the HTTP response headers of the service.
	Header http.Header `json:"-"`
}

type Client struct {
	httpClient *http.Client
	log        abstractlogger.Logger
	metrics    *metric.Metrics
}

type Option func(client *Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		client.httpClient = httpClient
	}
}

func WithLogger(logger abstractlogger.Logger) Option {
	return func(client *Client) {
		client.log = logger
	}
}

func WithMetrics(metrics *metric.Metrics) Option {
	return func(client *Client) {
		client.metrics = metrics
	}
}

func NewClient(options ...Option) *Client {
	client := &Client{
		httpClient: DefaultHTTPClient,
		log:        abstractlogger.Noop{},
	}
	for _, option := range options {
		option(client)
	}
	return client
}

// Do sends one request to the next URL of the service.
func (c *Client) Do(ctx context.Context, service *registry.Service, request Request) (*Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	data, header, err := c.post(ctx, service, body)
	if err != nil {
		return nil, err
	}

	response, err := decodeResponse(data)
	if err != nil {
		return nil, &graphqlerrors.ServiceUnavailableError{ServiceName: service.Name(), Err: err}
	}
	response.Header = header
	return response, nil
}

// DoBatch sends all requests as one JSON array. The responses are returned in
// the order of the requests.
func (c *Client) DoBatch(ctx context.Context, service *registry.Service, requests []Request) ([]*Response, error) {
	body, err := json.Marshal(requests)
	if err != nil {
		return nil, err
	}

	data, header, err := c.post(ctx, service, body)
	if err != nil {
		return nil, err
	}

	responses := make([]*Response, 0, len(requests))
	var decodeErr error
	_, err = jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, offset int, err error) {
		if err != nil || decodeErr != nil {
			return
		}
		response, err := decodeResponse(value)
		if err != nil {
			decodeErr = err
			return
		}
		response.Header = header
		responses = append(responses, response)
	})
	if err == nil {
		err = decodeErr
	}
	if err == nil && len(responses) != len(requests) {
		err = fmt.Errorf("batched response has %d entries, expected %d", len(responses), len(requests))
	}
	if err != nil {
		return nil, &graphqlerrors.ServiceUnavailableError{ServiceName: service.Name(), Err: err}
	}
	return responses, nil
}

// FetchSDL implements registry.SDLFetcher.
func (c *Client) FetchSDL(ctx context.Context, service *registry.Service) (string, error) {
	response, err := c.Do(ctx, service, Request{
		Query:         ServiceDefinitionQuery,
		OperationName: ServiceDefinitionOperationName,
	})
	if err != nil {
		return "", err
	}
	if len(response.Errors) > 0 {
		return "", &graphqlerrors.ServiceUnavailableError{
			ServiceName: service.Name(),
			Err:         graphqlerrors.RequestErrors(response.Errors),
		}
	}
	sdl, err := jsonparser.GetString(response.Data, "_service", "sdl")
	if err != nil {
		return "", &graphqlerrors.ServiceUnavailableError{
			ServiceName: service.Name(),
			Err:         fmt.Errorf("reading _service.sdl: %w", err),
		}
	}
	return sdl, nil
}

func (c *Client) post(ctx context.Context, service *registry.Service, body []byte) ([]byte, http.Header, error) {
	url := service.NextURL()
	start := time.Now()

	data, header, err := c.doPost(ctx, service, url, body)
	c.metrics.RecordUpstreamRequest(service.Name(), time.Since(start), err)
	if err != nil {
		c.log.Debug("Client.post: request failed",
			abstractlogger.String("service", service.Name()),
			abstractlogger.String("url", url),
			abstractlogger.Error(err),
		)
		return nil, nil, &graphqlerrors.ServiceUnavailableError{ServiceName: service.Name(), URL: url, Err: err}
	}
	return data, header, nil
}

func (c *Client) doPost(ctx context.Context, service *registry.Service, url string, body []byte) ([]byte, http.Header, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}

	if rewrite := service.Config().RewriteHeaders; rewrite != nil {
		rewrite(ctx, request.Header)
	}
	request.Header.Set(AcceptHeader, ContentTypeJSON)
	request.Header.Set(ContentTypeHeader, ContentTypeJSON)
	request.Header.Set(AcceptEncodingHeader, EncodingGzip)
	request.Header.Add(AcceptEncodingHeader, EncodingDeflate)
	request.Header.Add(AcceptEncodingHeader, EncodingBrotli)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, nil, err
	}
	defer response.Body.Close()

	reader, err := respBodyReader(response)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, err
	}

	// GraphQL servers may answer request errors with a 4xx status and a regular body
	if response.StatusCode >= http.StatusInternalServerError ||
		(response.StatusCode >= http.StatusMultipleChoices && !isGraphQLResponse(data)) {
		return nil, nil, fmt.Errorf("unexpected status code %d", response.StatusCode)
	}
	return data, response.Header, nil
}

func respBodyReader(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get(ContentEncodingHeader) {
	case EncodingGzip:
		return gzip.NewReader(resp.Body)
	case EncodingDeflate:
		return flate.NewReader(resp.Body), nil
	case EncodingBrotli:
		return io.NopCloser(brotli.NewReader(resp.Body)), nil
	default:
		return io.NopCloser(resp.Body), nil
	}
}

func isGraphQLResponse(data []byte) bool {
	_, dataType, _, err := jsonparser.Get(data, "errors")
	return err == nil && dataType == jsonparser.Array
}

func decodeResponse(data []byte) (*Response, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	response := &Response{}
	if err := decoder.Decode(response); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return response, nil
}
