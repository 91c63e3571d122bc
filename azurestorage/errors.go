package azurestorage

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-azurestorage/azurestorage/network/chunkuploader"
)

var (
	// ErrNotFound matches a ServiceError with status 404.
	ErrNotFound = errors.New("not found")

	// ErrAuthorizationFailed matches a ServiceError with status 403, which is
	// how a wrong signature surfaces.
	ErrAuthorizationFailed = errors.New("authorization failed")

	// ErrConflict matches a ServiceError with status 409.
	ErrConflict = errors.New("conflict")

	// ErrRandomBytesExhausted is returned when no block ID could be generated.
	ErrRandomBytesExhausted = chunkuploader.ErrRandomBytesExhausted

	// ErrInvalidVisibilityTimeout is returned by Fetch for a non-positive visibility timeout.
	ErrInvalidVisibilityTimeout = errors.New("visibility timeout must be greater than zero")

	// ErrMissingPopReceipt is returned when deleting a message that was not fetched.
	ErrMissingPopReceipt = errors.New("message has no pop receipt")
)

// ServiceError is an unexpected response of the storage service.
// Entity is nil when the response carried no decodable error document.
type ServiceError struct {
	StatusCode int
	Entity     *ErrorEntity
}

func (e *ServiceError) Error() string {
	if e.Entity == nil {
		return fmt.Sprintf("storage service responded with HTTP %d", e.StatusCode)
	}
	msg := fmt.Sprintf("storage service responded with HTTP %d: %s: %s", e.StatusCode, e.Entity.Code, e.Entity.Message)
	if e.Entity.AuthenticationErrorDetail != "" {
		msg += fmt.Sprintf(" (%s)", e.Entity.AuthenticationErrorDetail)
	}
	return msg
}

// Is lets errors.Is match the status sentinels.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrAuthorizationFailed:
		return e.StatusCode == http.StatusForbidden
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	default:
		return false
	}
}

// Code returns the service error code, for example ContainerAlreadyExists.
func (e *ServiceError) Code() string {
	if e.Entity == nil {
		return ""
	}
	return e.Entity.Code
}

// ContainerError is a failed container operation.
type ContainerError struct {
	Op        string
	Container string
	Err       error
}

func (e *ContainerError) Error() string {
	if e.Container == "" {
		return fmt.Sprintf("%s containers: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s container %s: %s", e.Op, e.Container, e.Err)
}

func (e *ContainerError) Unwrap() error {
	return e.Err
}

// BlobError is a failed blob operation.
type BlobError struct {
	Op        string
	Container string
	Blob      string
	Err       error
}

func (e *BlobError) Error() string {
	return fmt.Sprintf("%s blob %s/%s: %s", e.Op, e.Container, e.Blob, e.Err)
}

func (e *BlobError) Unwrap() error {
	return e.Err
}

// QueueError is a failed queue operation.
type QueueError struct {
	Op    string
	Queue string
	Err   error
}

func (e *QueueError) Error() string {
	return fmt.Sprintf("%s queue %s: %s", e.Op, e.Queue, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// translateServiceError turns an unexpected response body into a ServiceError.
func translateServiceError(statusCode int, body []byte) error {
	serviceErr := &ServiceError{StatusCode: statusCode}
	if len(bytes.TrimSpace(body)) == 0 {
		return serviceErr
	}

	var entity ErrorEntity
	if err := xml.Unmarshal(body, &entity); err == nil && entity.Code != "" {
		serviceErr.Entity = &entity
	}
	return serviceErr
}

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	return translateServiceError(resp.StatusCode, body)
}
