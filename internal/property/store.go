package property

import "context"

// Store defines persistence operations over property records. SetField
// returns the previous value of the field (empty when it was unset) so the
// caller can build a change event.
type Store interface {
	Get(ctx context.Context, caseNo string) (Record, error)
	SetField(ctx context.Context, caseNo, field, value string) (old string, err error)
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
}
