package azurestorage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// ContainerService manages the containers of the account.
type ContainerService struct {
	client *Client
}

// List returns every container, following continuation markers.
func (s *ContainerService) List(ctx context.Context) ([]Container, error) {
	var containers []Container
	marker := ""
	for {
		query := url.Values{"comp": {"list"}}
		if marker != "" {
			query.Set("marker", marker)
		}

		var page containerEnumerationResults
		if err := s.do(ctx, http.MethodGet, "", query, &page, http.StatusOK); err != nil {
			return nil, &ContainerError{Op: "list", Err: err}
		}
		for _, entity := range page.Containers {
			containers = append(containers, newContainer(entity))
		}

		if page.NextMarker == "" {
			return containers, nil
		}
		marker = page.NextMarker
	}
}

// Create creates a private container.
func (s *ContainerService) Create(ctx context.Context, name string) error {
	if err := s.do(ctx, http.MethodPut, name, url.Values{"restype": {"container"}}, nil, http.StatusCreated); err != nil {
		return &ContainerError{Op: "create", Container: name, Err: err}
	}
	return nil
}

// CreateIfNotExists is Create that succeeds when the container already exists.
func (s *ContainerService) CreateIfNotExists(ctx context.Context, name string) error {
	err := s.Create(ctx, name)
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.StatusCode == http.StatusConflict && serviceErr.Code() == "ContainerAlreadyExists" {
		s.client.logger.Debugf("Container %s already exists", name)
		return nil
	}
	return err
}

// Delete marks the container for deletion. Its blobs go with it.
func (s *ContainerService) Delete(ctx context.Context, name string) error {
	if err := s.do(ctx, http.MethodDelete, name, url.Values{"restype": {"container"}}, nil, http.StatusAccepted); err != nil {
		return &ContainerError{Op: "delete", Container: name, Err: err}
	}
	return nil
}

func (s *ContainerService) do(ctx context.Context, method, container string, query url.Values, out interface{}, expected int) error {
	var segments []string
	if container != "" {
		segments = append(segments, container)
	}
	u, err := resourceURL(s.client.config.BlobEndpoint, query, segments...)
	if err != nil {
		return err
	}
	req, err := newRequest(ctx, method, u, nil)
	if err != nil {
		return err
	}
	_, err = s.client.send(req, out, expected)
	return err
}
