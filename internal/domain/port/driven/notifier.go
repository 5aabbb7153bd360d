package driven

import "github.com/ericfisherdev/credsync/internal/domain/model"

// Notifier delivers events to UI consumers. Publish must not block.
type Notifier interface {
	Publish(event model.Event)
}
