package azurestorage

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-azurestorage/azurestorage/sharedkey"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gofrs/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

const fakeAccountName = "fakeaccount"

var fakeAccountKey = base64.StdEncoding.EncodeToString([]byte("fake storage account key"))

type fakeBlob struct {
	data            []byte
	contentType     string
	contentEncoding string
	modified        time.Time
	blockIDs        []string
}

type fakeContainer struct {
	created time.Time
	blobs   map[string]*fakeBlob
	staged  map[string]map[string][]byte
}

type fakeMessage struct {
	id          uuid.UUID
	text        string
	inserted    time.Time
	expires     time.Time
	nextVisible time.Time
	dequeued    int
	popReceipt  string
}

type fakeQueue struct {
	messages []*fakeMessage
}

// fakeStorage is an in-memory blob and queue service that rejects every
// request without a valid signature of fakeAccountName.
type fakeStorage struct {
	signer   *sharedkey.Signer
	server   *httptest.Server
	pageSize int

	// stageDelay, when set, holds back the response of a block stage request.
	stageDelay func(data []byte) time.Duration

	mu         sync.Mutex
	containers map[string]*fakeContainer
	queues     map[string]*fakeQueue
	stageCalls int
	getCalls   int
}

func newFakeStorage(t *testing.T) *fakeStorage {
	signer, err := sharedkey.NewSigner(fakeAccountName, fakeAccountKey)
	require.NoError(t, err)

	f := &fakeStorage{
		signer:     signer,
		pageSize:   2,
		containers: map[string]*fakeContainer{},
		queues:     map[string]*fakeQueue{},
	}

	r := mux.NewRouter()
	r.Methods("GET").Path("/blob").Queries("comp", "list").HandlerFunc(f.listContainers)
	r.Methods("PUT").Path("/blob/{container}").Queries("restype", "container").HandlerFunc(f.createContainer)
	r.Methods("DELETE").Path("/blob/{container}").Queries("restype", "container").HandlerFunc(f.deleteContainer)
	r.Methods("GET").Path("/blob/{container}").Queries("restype", "container", "comp", "list").HandlerFunc(f.listBlobs)
	r.Methods("PUT").Path("/blob/{container}/{blob:.+}").Queries("comp", "blocklist").HandlerFunc(f.commitBlockList)
	r.Methods("PUT").Path("/blob/{container}/{blob:.+}").Queries("comp", "block").HandlerFunc(f.stageBlock)
	r.Methods("GET", "HEAD").Path("/blob/{container}/{blob:.+}").HandlerFunc(f.getBlob)
	r.Methods("DELETE").Path("/blob/{container}/{blob:.+}").HandlerFunc(f.deleteBlob)
	r.Methods("PUT").Path("/queue/{queue}").HandlerFunc(f.createQueue)
	r.Methods("DELETE").Path("/queue/{queue}").HandlerFunc(f.deleteQueue)
	r.Methods("POST").Path("/queue/{queue}/messages").HandlerFunc(f.publish)
	r.Methods("GET").Path("/queue/{queue}/messages").HandlerFunc(f.receive)
	r.Methods("DELETE").Path("/queue/{queue}/messages").HandlerFunc(f.clear)
	r.Methods("DELETE").Path("/queue/{queue}/messages/{id}").HandlerFunc(f.deleteMessage)

	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(sharedkey.VersionHeader) != sharedkey.Version || !f.signer.Verify(req) {
			writeFakeError(w, http.StatusForbidden, "AuthenticationFailed", "Server failed to authenticate the request.")
			return
		}
		r.ServeHTTP(w, req)
	}))
	t.Cleanup(f.server.Close)

	return f
}

func (f *fakeStorage) configuration() Configuration {
	return Configuration{
		AccountName:   fakeAccountName,
		SharedKey:     Secret(fakeAccountKey),
		BlobEndpoint:  f.server.URL + "/blob",
		QueueEndpoint: f.server.URL + "/queue",
	}
}

func (f *fakeStorage) newClient(t *testing.T) *Client {
	client, err := NewClient(NewClientParams{Config: f.configuration(), Logger: log.NewLogger()})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, client.Close())
	})
	return client
}

func (f *fakeStorage) addContainer(name string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		return c
	}
	c := &fakeContainer{created: time.Now(), blobs: map[string]*fakeBlob{}, staged: map[string]map[string][]byte{}}
	f.containers[name] = c
	return c
}

func (f *fakeStorage) setStageDelay(delay func(data []byte) time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageDelay = delay
}

func (f *fakeStorage) stageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stageCalls
}

func (f *fakeStorage) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeStorage) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeStorage) putBlob(container, name string, data []byte, contentType string) {
	c := f.addContainer(container)
	f.mu.Lock()
	defer f.mu.Unlock()
	c.blobs[name] = &fakeBlob{data: data, contentType: contentType, modified: time.Now()}
}

func (f *fakeStorage) blob(container, name string) *fakeBlob {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[container]
	if !ok {
		return nil
	}
	return c.blobs[name]
}

func writeFakeError(w http.ResponseWriter, statusCode int, code, message string) {
	body, _ := xml.Marshal(ErrorEntity{Code: code, Message: message})
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

func writeFakeXML(w http.ResponseWriter, v interface{}) {
	body, err := xml.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// page returns the names of one listing page and the marker of the next.
func (f *fakeStorage) page(names []string, marker string) ([]string, string) {
	sort.Strings(names)
	start, _ := strconv.Atoi(marker)
	end := start + f.pageSize
	if end >= len(names) {
		return names[start:], ""
	}
	return names[start:end], strconv.Itoa(end)
}

func (f *fakeStorage) listContainers(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var names []string
	for name := range f.containers {
		names = append(names, name)
	}
	page, next := f.page(names, r.URL.Query().Get("marker"))

	result := containerEnumerationResults{NextMarker: next}
	for _, name := range page {
		entity := containerEntity{Name: name}
		entity.Properties.LastModified = f.containers[name].created.UTC().Format(http.TimeFormat)
		entity.Properties.LeaseState = "available"
		result.Containers = append(result.Containers, entity)
	}
	writeFakeXML(w, result)
}

func (f *fakeStorage) createContainer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["container"]
	f.mu.Lock()
	_, exists := f.containers[name]
	f.mu.Unlock()
	if exists {
		writeFakeError(w, http.StatusConflict, "ContainerAlreadyExists", "The specified container already exists.")
		return
	}
	f.addContainer(name)
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStorage) deleteContainer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["container"]
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		writeFakeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}
	delete(f.containers, name)
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeStorage) listBlobs(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.containers[mux.Vars(r)["container"]]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}

	var names []string
	for name := range c.blobs {
		names = append(names, name)
	}
	page, next := f.page(names, r.URL.Query().Get("marker"))

	result := blobEnumerationResults{ContainerName: mux.Vars(r)["container"], NextMarker: next}
	for _, name := range page {
		blob := c.blobs[name]
		entity := blobEntity{Name: name}
		entity.Properties.LastModified = blob.modified.UTC().Format(http.TimeFormat)
		entity.Properties.ContentLength = int64(len(blob.data))
		entity.Properties.ContentType = blob.contentType
		entity.Properties.ContentEncoding = blob.contentEncoding
		entity.Properties.BlobType = "BlockBlob"
		result.Blobs = append(result.Blobs, entity)
	}
	writeFakeXML(w, result)
}

func (f *fakeStorage) stageBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	blockID := r.URL.Query().Get("blockid")
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if raw, err := base64.StdEncoding.DecodeString(blockID); err != nil || len(raw) != 16 {
		writeFakeError(w, http.StatusBadRequest, "InvalidQueryParameterValue", "Value for one of the query parameters specified in the request URI is invalid.")
		return
	}

	f.mu.Lock()
	stageDelay := f.stageDelay
	f.mu.Unlock()
	if stageDelay != nil {
		select {
		case <-time.After(stageDelay(data)):
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageCalls++
	c, ok := f.containers[vars["container"]]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}
	if c.staged[vars["blob"]] == nil {
		c.staged[vars["blob"]] = map[string][]byte{}
	}
	c.staged[vars["blob"]][blockID] = data
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStorage) commitBlockList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var list blockListEntity
	if err := xml.NewDecoder(r.Body).Decode(&list); err != nil {
		writeFakeError(w, http.StatusBadRequest, "InvalidXmlDocument", err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[vars["container"]]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "ContainerNotFound", "The specified container does not exist.")
		return
	}

	var data []byte
	for _, id := range list.Latest {
		block, ok := c.staged[vars["blob"]][id]
		if !ok {
			writeFakeError(w, http.StatusBadRequest, "InvalidBlockList", "The specified block list is invalid.")
			return
		}
		data = append(data, block...)
	}

	c.blobs[vars["blob"]] = &fakeBlob{
		data:            data,
		contentType:     r.Header.Get("x-ms-blob-content-type"),
		contentEncoding: r.Header.Get("x-ms-blob-content-encoding"),
		modified:        time.Now(),
		blockIDs:        list.Latest,
	}
	delete(c.staged, vars["blob"])
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStorage) getBlob(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.getCalls++
	f.mu.Unlock()

	vars := mux.Vars(r)
	blob := f.blob(vars["container"], vars["blob"])
	if blob == nil {
		writeFakeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
		return
	}

	w.Header().Set("Content-Type", blob.contentType)
	w.Header().Set("ETag", `"0x8D000000000000"`)
	if blob.contentEncoding != "" {
		w.Header().Set("Content-Encoding", blob.contentEncoding)
	}
	http.ServeContent(w, r, vars["blob"], blob.modified, bytes.NewReader(blob.data))
}

func (f *fakeStorage) deleteBlob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[vars["container"]]
	if !ok || c.blobs[vars["blob"]] == nil {
		writeFakeError(w, http.StatusNotFound, "BlobNotFound", "The specified blob does not exist.")
		return
	}
	delete(c.blobs, vars["blob"])
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeStorage) queue(w http.ResponseWriter, r *http.Request) *fakeQueue {
	q, ok := f.queues[mux.Vars(r)["queue"]]
	if !ok {
		writeFakeError(w, http.StatusNotFound, "QueueNotFound", "The specified queue does not exist.")
		return nil
	}
	return q
}

func (f *fakeStorage) createQueue(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := mux.Vars(r)["queue"]
	if _, ok := f.queues[name]; ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	f.queues[name] = &fakeQueue{}
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStorage) deleteQueue(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queue(w, r) == nil {
		return
	}
	delete(f.queues, mux.Vars(r)["queue"])
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeStorage) publish(w http.ResponseWriter, r *http.Request) {
	var entity queueMessageEntity
	if err := xml.NewDecoder(r.Body).Decode(&entity); err != nil {
		writeFakeError(w, http.StatusBadRequest, "InvalidXmlDocument", err.Error())
		return
	}
	visibility, _ := strconv.Atoi(r.URL.Query().Get("visibilitytimeout"))
	ttl := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("messagettl"); v != "" {
		seconds, _ := strconv.Atoi(v)
		ttl = time.Duration(seconds) * time.Second
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue(w, r)
	if q == nil {
		return
	}
	now := time.Now()
	message := &fakeMessage{
		id:          uuid.Must(uuid.NewV4()),
		text:        entity.MessageText,
		inserted:    now,
		nextVisible: now.Add(time.Duration(visibility) * time.Second),
	}
	if ttl > 0 {
		message.expires = now.Add(ttl)
	} else {
		message.expires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)
	}
	q.messages = append(q.messages, message)
	w.WriteHeader(http.StatusCreated)
}

func (f *fakeStorage) receive(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	count, _ := strconv.Atoi(query.Get("numofmessages"))
	if count == 0 {
		count = 1
	}
	peek := query.Get("peekonly") == "true"
	visibility, _ := strconv.Atoi(query.Get("visibilitytimeout"))

	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue(w, r)
	if q == nil {
		return
	}

	now := time.Now()
	var list queueMessagesList
	for _, m := range q.messages {
		if len(list.Messages) == count {
			break
		}
		if m.nextVisible.After(now) {
			continue
		}
		entity := queueMessageEntity{
			MessageID:      m.id.String(),
			InsertionTime:  m.inserted.UTC().Format(http.TimeFormat),
			ExpirationTime: m.expires.UTC().Format(http.TimeFormat),
			MessageText:    m.text,
		}
		if !peek {
			m.dequeued++
			m.popReceipt = uuid.Must(uuid.NewV4()).String()
			m.nextVisible = now.Add(time.Duration(visibility) * time.Second)
			entity.PopReceipt = m.popReceipt
			entity.TimeNextVisible = m.nextVisible.UTC().Format(http.TimeFormat)
		}
		entity.DequeueCount = m.dequeued
		list.Messages = append(list.Messages, entity)
	}
	writeFakeXML(w, list)
}

func (f *fakeStorage) clear(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue(w, r)
	if q == nil {
		return
	}
	q.messages = nil
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeStorage) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	popReceipt := r.URL.Query().Get("popreceipt")

	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.queue(w, r)
	if q == nil {
		return
	}
	for i, m := range q.messages {
		if m.id.String() != id {
			continue
		}
		if m.popReceipt != popReceipt {
			writeFakeError(w, http.StatusBadRequest, "PopReceiptMismatch", "The specified pop receipt did not match the pop receipt for a dequeued message.")
			return
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeFakeError(w, http.StatusNotFound, "MessageNotFound", "The specified message does not exist.")
}
