package domain

import (
	"strings"
	"time"
)

// Connection is one open push channel. It lives only for the duration of a
// single channel session and is never persisted.
type Connection struct {
	ID          string
	DomainName  string
	Stage       string
	Subject     string
	Role        string
	ConnectedAt time.Time

	// EndpointOverride replaces the derived push endpoint when the channel
	// is fronted by a proxy with a different public address.
	EndpointOverride string
}

// Endpoint returns the push-channel base URL used by workers to stream
// frames back to this connection.
func (c *Connection) Endpoint() string {
	if c.EndpointOverride != "" {
		return strings.TrimRight(c.EndpointOverride, "/")
	}
	if c.DomainName == "" || c.Stage == "" {
		return ""
	}
	return "https://" + c.DomainName + "/" + c.Stage
}

// TextbookSection is a citable piece of textbook content.
type TextbookSection struct {
	TextbookID string `json:"textbook_id"`
	Ref        string `json:"ref"`
	Content    string `json:"content"`
}
