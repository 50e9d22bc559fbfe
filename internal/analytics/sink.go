package analytics

import "context"

// Sink mirrors records to external storage. Write must honour ctx.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
	Close() error
}
