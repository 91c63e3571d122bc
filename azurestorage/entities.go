package azurestorage

import (
	"encoding/xml"
	"net/http"
	"time"
)

// ErrorEntity is the error document of the storage service.
type ErrorEntity struct {
	XMLName                   xml.Name `xml:"Error"`
	Code                      string   `xml:"Code"`
	Message                   string   `xml:"Message"`
	AuthenticationErrorDetail string   `xml:"AuthenticationErrorDetail,omitempty"`
}

type containerEnumerationResults struct {
	XMLName    xml.Name          `xml:"EnumerationResults"`
	Prefix     string            `xml:"Prefix,omitempty"`
	Marker     string            `xml:"Marker,omitempty"`
	MaxResults int               `xml:"MaxResults,omitempty"`
	Containers []containerEntity `xml:"Containers>Container"`
	NextMarker string            `xml:"NextMarker"`
}

type containerEntity struct {
	Name       string `xml:"Name"`
	Properties struct {
		LastModified          string `xml:"Last-Modified"`
		Etag                  string `xml:"Etag"`
		LeaseStatus           string `xml:"LeaseStatus"`
		LeaseState            string `xml:"LeaseState"`
		HasImmutabilityPolicy bool   `xml:"HasImmutabilityPolicy"`
		HasLegalHold          bool   `xml:"HasLegalHold"`
	} `xml:"Properties"`
}

type blobEnumerationResults struct {
	XMLName       xml.Name     `xml:"EnumerationResults"`
	ContainerName string       `xml:"ContainerName,attr"`
	Prefix        string       `xml:"Prefix,omitempty"`
	Marker        string       `xml:"Marker,omitempty"`
	MaxResults    int          `xml:"MaxResults,omitempty"`
	Blobs         []blobEntity `xml:"Blobs>Blob"`
	NextMarker    string       `xml:"NextMarker"`
}

type blobEntity struct {
	Name       string `xml:"Name"`
	Properties struct {
		CreationTime       string `xml:"Creation-Time"`
		LastModified       string `xml:"Last-Modified"`
		Etag               string `xml:"Etag"`
		ContentLength      int64  `xml:"Content-Length"`
		ContentType        string `xml:"Content-Type"`
		ContentEncoding    string `xml:"Content-Encoding"`
		ContentLanguage    string `xml:"Content-Language"`
		ContentMD5         string `xml:"Content-MD5"`
		ContentDisposition string `xml:"Content-Disposition"`
		CacheControl       string `xml:"Cache-Control"`
		BlobType           string `xml:"BlobType"`
		LeaseStatus        string `xml:"LeaseStatus"`
		LeaseState         string `xml:"LeaseState"`
		AccessTier         string `xml:"AccessTier"`
		AccessTierInferred bool   `xml:"AccessTierInferred"`
	} `xml:"Properties"`
}

type blockListEntity struct {
	XMLName xml.Name `xml:"BlockList"`
	Latest  []string `xml:"Latest"`
}

type queueMessageEntity struct {
	XMLName         xml.Name `xml:"QueueMessage"`
	MessageID       string   `xml:"MessageId,omitempty"`
	InsertionTime   string   `xml:"InsertionTime,omitempty"`
	ExpirationTime  string   `xml:"ExpirationTime,omitempty"`
	PopReceipt      string   `xml:"PopReceipt,omitempty"`
	TimeNextVisible string   `xml:"TimeNextVisible,omitempty"`
	DequeueCount    int      `xml:"DequeueCount,omitempty"`
	MessageText     string   `xml:"MessageText"`
}

type queueMessagesList struct {
	XMLName  xml.Name             `xml:"QueueMessagesList"`
	Messages []queueMessageEntity `xml:"QueueMessage"`
}

// Container ...
type Container struct {
	Name                  string
	LastModified          time.Time
	ETag                  string
	LeaseStatus           string
	LeaseState            string
	HasImmutabilityPolicy bool
	HasLegalHold          bool
}

func newContainer(entity containerEntity) Container {
	return Container{
		Name:                  entity.Name,
		LastModified:          parseTime(entity.Properties.LastModified),
		ETag:                  entity.Properties.Etag,
		LeaseStatus:           entity.Properties.LeaseStatus,
		LeaseState:            entity.Properties.LeaseState,
		HasImmutabilityPolicy: entity.Properties.HasImmutabilityPolicy,
		HasLegalHold:          entity.Properties.HasLegalHold,
	}
}

// Blob ...
type Blob struct {
	Name               string
	Created            time.Time
	LastModified       time.Time
	ETag               string
	ContentLength      int64
	ContentType        string
	ContentEncoding    string
	ContentMD5         string
	BlobType           string
	LeaseStatus        string
	LeaseState         string
	AccessTier         string
	AccessTierInferred bool
}

func newBlob(entity blobEntity) Blob {
	p := entity.Properties
	return Blob{
		Name:               entity.Name,
		Created:            parseTime(p.CreationTime),
		LastModified:       parseTime(p.LastModified),
		ETag:               p.Etag,
		ContentLength:      p.ContentLength,
		ContentType:        p.ContentType,
		ContentEncoding:    p.ContentEncoding,
		ContentMD5:         p.ContentMD5,
		BlobType:           p.BlobType,
		LeaseStatus:        p.LeaseStatus,
		LeaseState:         p.LeaseState,
		AccessTier:         p.AccessTier,
		AccessTierInferred: p.AccessTierInferred,
	}
}

// parseTime returns the zero time for values the service left empty.
func parseTime(value string) time.Time {
	t, err := http.ParseTime(value)
	if err != nil {
		return time.Time{}
	}
	return t
}
