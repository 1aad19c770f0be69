// Package transport defines the delivery interface and selects an
// implementation from the stored settings.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/settings"
	"github.com/shineum/mail-relay/internal/transport/graph"
	"github.com/shineum/mail-relay/internal/transport/ses"
	"github.com/shineum/mail-relay/internal/transport/smtp"
	"github.com/shineum/mail-relay/internal/transport/stdout"
)

// Transport delivers a normalized message.
type Transport interface {
	// Send delivers the message synchronously. One attempt, no retries;
	// queueing and backoff belong to the caller's policy, not here.
	Send(ctx context.Context, msg *email.Email) error
	// Name identifies the transport in logs and audit entries.
	Name() string
}

// Deps carries the shared collaborators transports need. The router
// builds it per send: Bearer holds the delegated access token it
// obtained for cloud_api deliveries and stays empty for every other
// kind.
type Deps struct {
	HTTPClient      *http.Client
	Log             *slog.Logger
	Hostname        string
	PlaceholderFrom string
	Bearer          string
	GraphBaseURL    string
}

// For builds the transport for the stored settings. Configuration
// problems surface here, before any delivery is attempted.
func For(ctx context.Context, t *settings.Transport, deps Deps) (Transport, error) {
	switch t.Kind {
	case settings.KindSMTP:
		return smtp.New(t, deps.Hostname, deps.Log)
	case settings.KindCloudAPI:
		return graph.New(t, graph.Options{
			Bearer:          deps.Bearer,
			HTTPClient:      deps.HTTPClient,
			BaseURL:         deps.GraphBaseURL,
			PlaceholderFrom: deps.PlaceholderFrom,
			Log:             deps.Log,
		})
	case settings.KindSES:
		return ses.New(ctx, t, deps.Log)
	case settings.KindStdout:
		return stdout.New(deps.Log), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", t.Kind)
	}
}
