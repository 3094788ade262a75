// Package transport defines the external delivery boundary. The core
// treats any non-success result as a retryable failure until attempts
// run out.
package transport

import (
	"context"

	"github.com/outflow/pacer/internal/domain"
)

// Request is one outbound message for a single recipient.
type Request struct {
	Recipient   string
	ContentType string
	Content     string
	MediaURL    string
	Caption     string
}

// Result is the provider's answer for one send attempt.
type Result struct {
	Success           bool
	ProviderMessageID string
	Error             string
	ResponseTimeMs    int
}

// Sender delivers one message through the provider using the profile's
// credentials. Implementations must honor ctx cancellation; a timeout
// is reported as a failed Result, not a panic.
type Sender interface {
	Send(ctx context.Context, profile *domain.Profile, req Request) (*Result, error)
}
