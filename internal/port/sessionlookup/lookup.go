// Package sessionlookup defines a narrow read port used by transport
// layers that must answer "does this session exist" without loading it.
package sessionlookup

import "context"

type Lookup interface {
	Exists(ctx context.Context, sessionID string) (bool, error)
}
