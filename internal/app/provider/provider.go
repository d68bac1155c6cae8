package provider

import (
	"log"

	"github.com/coachpo/subhub/internal/domain/exchange"
)

// Instance is a live exchange connection owned by the manager.
type Instance interface {
	exchange.Adapter
	Close() error
}

// StreamLister is implemented by instances that can report their open push streams.
type StreamLister interface {
	Streams() []string
}

// Dependencies are the shared runtime collaborators handed to every factory.
type Dependencies struct {
	// Name is the configured exchange name.
	Name   string
	Sink   exchange.Sink
	Logger *log.Logger
}
