package replica

import "context"

// ConsumerConfig is handed to the continuous consumer once startup completes.
type ConsumerConfig struct {
	Slot         string
	Publication  string
	MetadataPath string
	// StartLSN is the slot's consistent point after a bootstrap and empty on
	// resume, where the consumer continues from the marker.
	StartLSN  string
	BlockSize int
	Tables    map[string]TableStorage
}

// Consumer applies the change stream after startup.
type Consumer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ConsumerFactory builds the consumer for a completed startup.
type ConsumerFactory func(cfg ConsumerConfig) (Consumer, error)
