package peer

import (
	"context"
	"net/http"

	"github.com/drfirst/go-hospital/internal/infrastructure/outbox"
	"github.com/drfirst/go-hospital/internal/patientsync"
)

// SyncPublisher delivers sync outbox entries by POSTing them to the
// coordinator. Any 2xx response is an ack.
type SyncPublisher struct {
	coordinator *Client
}

// NewSyncPublisher creates a publisher that calls coordinator.
func NewSyncPublisher(coordinator *Client) *SyncPublisher {
	return &SyncPublisher{coordinator: coordinator}
}

func (p *SyncPublisher) Publish(ctx context.Context, entry *outbox.Entry) error {
	rec, err := patientsync.Decode(entry)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set(patientsync.HeaderEventID, entry.EventID)

	return p.coordinator.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   patientsync.SyncPath,
		Body:   rec,
		Header: header,
	}, nil)
}
