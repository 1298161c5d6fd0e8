// Package store persists capabilities records and notifies subscribers when they change.
package store

import (
	"context"
	"sync"

	"github.com/RoseWrightdev/matrix-capabilities/internal/v1/homeserver"
)

// Store is a homeserver.RecordStore whose updates can be observed.
type Store interface {
	homeserver.RecordStore

	// Subscribe calls handler with every record stored for userID until ctx is cancelled.
	// The subscription is active once it returns. wg, when not nil, is released once the
	// listener has stopped.
	Subscribe(ctx context.Context, userID string, wg *sync.WaitGroup, handler func(*homeserver.CapabilitiesRecord)) error
	Ping(ctx context.Context) error
	Close() error
}

// recordKey is where a user's record lives. Schema: "capabilities:record:{userID}".
func recordKey(userID string) string {
	return "capabilities:record:" + userID
}

// updatesChannel is where record updates are broadcast. Schema: "capabilities:user:{userID}".
func updatesChannel(userID string) string {
	return "capabilities:user:" + userID
}
