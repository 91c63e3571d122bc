package azurestorage

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bitrise-io/go-azurestorage/azurestorage/network"
	"github.com/bitrise-io/go-azurestorage/azurestorage/sharedkey"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
)

// NewClientParams ...
type NewClientParams struct {
	Config Configuration
	Logger log.Logger
	// MaxRetries is the number of automatic retries per request. The default
	// of 0 leaves retrying to the caller.
	MaxRetries int
	// FileIOConcurrency bounds the file operations of downloads running in the background.
	FileIOConcurrency int
	// ReadChunkSize is the size of the body parts downloads are read in.
	ReadChunkSize int
	// Registerer receives the request metrics when set.
	Registerer prometheus.Registerer
}

// Client talks to the blob and queue services of a single storage account.
// It owns its connection pool and file I/O workers, call Close when done.
type Client struct {
	config     Configuration
	logger     log.Logger
	signer     *sharedkey.Signer
	httpClient *retryablehttp.Client
	executor   *network.Executor
	fileIO     network.FileIO
	metrics    *network.Metrics

	closeOnce sync.Once
}

// NewClient decodes the shared key and sets up the HTTP client. A key that is
// not valid base64 fails here with a *ConfigurationError.
func NewClient(params NewClientParams) (*Client, error) {
	logger := params.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	signer, err := sharedkey.NewSigner(params.Config.AccountName, string(params.Config.SharedKey))
	if err != nil {
		return nil, &ConfigurationError{Field: "AccountKey", Reason: "unusable shared key", Err: err}
	}
	if params.Config.BlobEndpoint == "" && params.Config.QueueEndpoint == "" {
		return nil, &ConfigurationError{Field: "Endpoint", Reason: "no service endpoint configured"}
	}

	fileIOConcurrency := params.FileIOConcurrency
	if fileIOConcurrency < 1 {
		fileIOConcurrency = network.DefaultFileIOConcurrency
	}

	metrics := network.NewMetrics(params.Registerer)
	httpClient := network.NewHTTPClient(network.HTTPClientParams{
		Logger:     logger,
		MaxRetries: params.MaxRetries,
		Signer:     signer,
		Metrics:    metrics,
	})

	return &Client{
		config:     params.Config,
		logger:     logger,
		signer:     signer,
		httpClient: httpClient,
		executor:   network.NewExecutor(httpClient, logger, params.ReadChunkSize, metrics),
		fileIO:     network.NewNonBlockingFileIO(fileIOConcurrency),
		metrics:    metrics,
	}, nil
}

// Configuration returns the settings the client was created with.
func (c *Client) Configuration() Configuration {
	return c.config
}

// Close releases idle connections. Requests still running are not interrupted.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.httpClient.HTTPClient.CloseIdleConnections()
	})
	return nil
}

// Containers ...
func (c *Client) Containers() *ContainerService {
	return &ContainerService{client: c}
}

// Blobs ...
func (c *Client) Blobs() *BlobService {
	return &BlobService{client: c}
}

// Queue returns the service of the named queue.
func (c *Client) Queue(name string) *QueueService {
	return &QueueService{client: c, name: name}
}

func resourceURL(endpoint string, query url.Values, segments ...string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &ConfigurationError{Field: "Endpoint", Reason: "invalid endpoint URL", Err: err}
	}

	p := strings.TrimSuffix(u.Path, "/")
	for _, segment := range segments {
		p += "/" + segment
	}
	if p == "" {
		p = "/"
	}
	u.Path = p
	u.RawPath = ""
	u.RawQuery = query.Encode()
	return u, nil
}

// newRequest builds a request whose body, when set, is a []byte or an io.ReadSeeker.
func newRequest(ctx context.Context, method string, u *url.URL, body interface{}) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequest(method, u.String(), body)
	if err != nil {
		return nil, err
	}
	return req.WithContext(ctx), nil
}

// send performs req and expects one of the given status codes. The body of a
// successful response is decoded into out: raw when out is a *[]byte, as XML otherwise.
func (c *Client) send(req *retryablehttp.Request, out interface{}, expected ...int) (http.Header, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &network.TransportError{Err: err}
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			c.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	if !containsStatus(expected, resp.StatusCode) {
		return nil, unwrapError(resp)
	}

	switch v := out.(type) {
	case nil:
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			return nil, &network.TransportError{Err: err}
		}
	case *[]byte:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &network.TransportError{Err: err}
		}
		c.metrics.AddReceivedBytes(len(body))
		*v = body
	default:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &network.TransportError{Err: err}
		}
		if err := xml.Unmarshal(body, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.Header, nil
}

func containsStatus(codes []int, statusCode int) bool {
	for _, code := range codes {
		if code == statusCode {
			return true
		}
	}
	return false
}

func marshalXML(v interface{}) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
