package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-azurestorage/azurestorage/sharedkey"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
	"github.com/hashicorp/go-retryablehttp"
)

// DefaultReadChunkSize is the size of the buffers body parts are read into.
const DefaultReadChunkSize = 32 * units.KiB

// TransportError is a connection level failure: the request could not be
// sent or the response body could not be read.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPClientParams ...
type HTTPClientParams struct {
	Logger log.Logger
	// MaxRetries is the number of automatic retries per request, 0 disables them.
	MaxRetries int
	// Signer signs every attempt when set.
	Signer *sharedkey.Signer
	// Metrics instruments every attempt when set.
	Metrics *Metrics
}

// NewHTTPClient builds the client shared by every request of a storage client.
// Error responses are passed through untouched so their body can be decoded.
func NewHTTPClient(params HTTPClientParams) *retryablehttp.Client {
	client := retryhttp.NewClient(params.Logger)
	client.RetryMax = params.MaxRetries
	client.CheckRetry = createCustomRetryFunction(params.Logger)
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	transport := client.HTTPClient.Transport
	if params.Signer != nil {
		transport = &sharedkey.Transport{Signer: params.Signer, Base: transport}
	}
	if params.Metrics != nil {
		transport = params.Metrics.InstrumentRoundTripper(transport)
	}
	client.HTTPClient.Transport = transport

	return client
}

func createCustomRetryFunction(logger log.Logger) retryablehttp.CheckRetry {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// Executor sends requests and drives a ResponseDelegate with the response.
type Executor struct {
	client        *retryablehttp.Client
	logger        log.Logger
	readChunkSize int
	metrics       *Metrics
}

// NewExecutor ...
func NewExecutor(client *retryablehttp.Client, logger log.Logger, readChunkSize int, metrics *Metrics) *Executor {
	if readChunkSize <= 0 {
		readChunkSize = DefaultReadChunkSize
	}
	return &Executor{
		client:        client,
		logger:        logger,
		readChunkSize: readChunkSize,
		metrics:       metrics,
	}
}

// Execute blocks until the exchange is over. Cancelling ctx aborts the body
// read, which is reported to the delegate as a TransportError.
func (e *Executor) Execute(ctx context.Context, req *retryablehttp.Request, delegate ResponseDelegate) {
	resp, err := e.client.Do(req.WithContext(ctx))
	if err != nil {
		delegate.DidReceiveError(&TransportError{Err: err})
		return
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			e.logger.Warnf("failed to close response body: %s", err)
		}
	}(resp.Body)

	if err := delegate.DidReceiveHead(resp.StatusCode, resp.Header); err != nil {
		delegate.DidReceiveError(err)
		return
	}

	for {
		// Every part gets its own buffer, delegates keep them after returning.
		buf := make([]byte, e.readChunkSize)
		n, err := resp.Body.Read(buf)
		if n > 0 {
			e.metrics.AddReceivedBytes(n)
			if derr := delegate.DidReceiveBodyPart(buf[:n]); derr != nil {
				delegate.DidReceiveError(derr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			delegate.DidFinishRequest()
			return
		}
		if err != nil {
			delegate.DidReceiveError(&TransportError{Err: err})
			return
		}
	}
}
