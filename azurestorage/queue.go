package azurestorage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
)

// NeverExpire as a time to live keeps a message until it is deleted.
const NeverExpire = -1 * time.Second

// QueueService works with a single queue.
type QueueService struct {
	client *Client
	name   string
}

// PublishOptions ...
type PublishOptions struct {
	// VisibilityTimeout hides the message from consumers for this long.
	VisibilityTimeout time.Duration
	// TimeToLive defaults to the service default of 7 days. NeverExpire disables expiry.
	TimeToLive time.Duration
}

// Message is a queue message. PopReceipt is only set for fetched messages
// and is required to delete them.
type Message struct {
	ID              uuid.UUID
	InsertionTime   time.Time
	ExpirationTime  time.Time
	TimeNextVisible time.Time
	DequeueCount    int
	PopReceipt      string
	Payload         []byte
}

// Decode unmarshals the JSON payload into v.
func (m Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

func newMessage(entity queueMessageEntity) (Message, error) {
	id, err := uuid.FromString(entity.MessageID)
	if err != nil {
		return Message{}, fmt.Errorf("invalid message ID %s: %w", entity.MessageID, err)
	}
	payload, err := base64.StdEncoding.DecodeString(entity.MessageText)
	if err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", entity.MessageID, err)
	}
	return Message{
		ID:              id,
		InsertionTime:   parseTime(entity.InsertionTime),
		ExpirationTime:  parseTime(entity.ExpirationTime),
		TimeNextVisible: parseTime(entity.TimeNextVisible),
		DequeueCount:    entity.DequeueCount,
		PopReceipt:      entity.PopReceipt,
		Payload:         payload,
	}, nil
}

// Name ...
func (q *QueueService) Name() string {
	return q.name
}

// Create creates the queue. Creating an existing queue with the same metadata succeeds.
func (q *QueueService) Create(ctx context.Context) error {
	if err := q.do(ctx, http.MethodPut, "", nil, nil, nil, http.StatusCreated, http.StatusNoContent); err != nil {
		return &QueueError{Op: "create", Queue: q.name, Err: err}
	}
	return nil
}

// Delete deletes the queue with all its messages.
func (q *QueueService) Delete(ctx context.Context) error {
	if err := q.do(ctx, http.MethodDelete, "", nil, nil, nil, http.StatusNoContent); err != nil {
		return &QueueError{Op: "delete", Queue: q.name, Err: err}
	}
	return nil
}

// Publish adds a message carrying the JSON encoding of payload.
func (q *QueueService) Publish(ctx context.Context, payload interface{}, opts PublishOptions) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	body, err := marshalXML(queueMessageEntity{MessageText: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	query := url.Values{"visibilitytimeout": {strconv.Itoa(int(opts.VisibilityTimeout.Seconds()))}}
	if opts.TimeToLive != 0 {
		query.Set("messagettl", strconv.Itoa(int(opts.TimeToLive.Seconds())))
	}

	if err := q.do(ctx, http.MethodPost, "messages", query, body, nil, http.StatusCreated); err != nil {
		return &QueueError{Op: "publish to", Queue: q.name, Err: err}
	}
	return nil
}

// Peek returns up to count messages without changing their visibility.
func (q *QueueService) Peek(ctx context.Context, count int) ([]Message, error) {
	query := url.Values{"peekonly": {"true"}, "numofmessages": {strconv.Itoa(count)}}
	messages, err := q.receive(ctx, query)
	if err != nil {
		return nil, &QueueError{Op: "peek", Queue: q.name, Err: err}
	}
	return messages, nil
}

// Fetch returns up to count messages and hides them from other consumers for
// visibilityTimeout. A fetched message reappears unless it is deleted in time.
func (q *QueueService) Fetch(ctx context.Context, count int, visibilityTimeout time.Duration) ([]Message, error) {
	seconds := int(visibilityTimeout.Seconds())
	if seconds <= 0 {
		return nil, &QueueError{Op: "fetch", Queue: q.name, Err: ErrInvalidVisibilityTimeout}
	}

	query := url.Values{"numofmessages": {strconv.Itoa(count)}, "visibilitytimeout": {strconv.Itoa(seconds)}}
	messages, err := q.receive(ctx, query)
	if err != nil {
		return nil, &QueueError{Op: "fetch", Queue: q.name, Err: err}
	}
	return messages, nil
}

// DeleteMessage removes a fetched message.
func (q *QueueService) DeleteMessage(ctx context.Context, message Message) error {
	if message.PopReceipt == "" {
		return &QueueError{Op: "delete message from", Queue: q.name, Err: ErrMissingPopReceipt}
	}

	query := url.Values{"popreceipt": {message.PopReceipt}}
	if err := q.do(ctx, http.MethodDelete, "messages/"+message.ID.String(), query, nil, nil, http.StatusNoContent); err != nil {
		return &QueueError{Op: "delete message from", Queue: q.name, Err: err}
	}
	return nil
}

// Clear deletes every message of the queue.
func (q *QueueService) Clear(ctx context.Context) error {
	if err := q.do(ctx, http.MethodDelete, "messages", nil, nil, nil, http.StatusNoContent); err != nil {
		return &QueueError{Op: "clear", Queue: q.name, Err: err}
	}
	return nil
}

func (q *QueueService) receive(ctx context.Context, query url.Values) ([]Message, error) {
	var list queueMessagesList
	if err := q.do(ctx, http.MethodGet, "messages", query, nil, &list, http.StatusOK); err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(list.Messages))
	for _, entity := range list.Messages {
		message, err := newMessage(entity)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (q *QueueService) do(ctx context.Context, method, subPath string, query url.Values, body []byte, out interface{}, expected ...int) error {
	segments := []string{q.name}
	if subPath != "" {
		segments = append(segments, subPath)
	}
	u, err := resourceURL(q.client.config.QueueEndpoint, query, segments...)
	if err != nil {
		return err
	}

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := newRequest(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}

	_, err = q.client.send(req, out, expected...)
	return err
}
