package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// ErrInvalidRequest is returned for requests rejected before reaching the
// ledger (unknown kind, missing function or identity).
var ErrInvalidRequest = errors.New("invalid transaction request")

// Executor runs single ledger operations over cached connections and tags
// every failure with its classification. Both the synchronous HTTP path and
// the queue workers funnel through here.
type Executor struct {
	cache  *Cache
	logger zerolog.Logger
}

// NewExecutor creates an executor over the given connection cache.
func NewExecutor(cache *Cache, logger zerolog.Logger) *Executor {
	return &Executor{
		cache:  cache,
		logger: logger.With().Str("component", "tx_executor").Logger(),
	}
}

// Execute performs req against the ledger and returns the chaincode payload.
// Errors are always classified; an UNAUTHORIZED result additionally evicts
// the identity's connection so the next call re-enrolls from the wallet.
func (e *Executor) Execute(ctx context.Context, req Request) ([]byte, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrInvalidRequest, req.Kind)
	}
	if req.Function == "" {
		return nil, fmt.Errorf("%w: function name is required", ErrInvalidRequest)
	}
	if req.Identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidRequest)
	}

	conn, err := e.cache.Get(ctx, req.Identity)
	if err != nil {
		return nil, Classify(err)
	}

	var payload []byte
	switch req.Kind {
	case KindSubmit:
		payload, err = conn.Submit(req.Function, req.Args...)
	case KindSubmitPrivate:
		payload, err = conn.SubmitWithTransient(req.Function, req.Transient, req.Args...)
	case KindQuery:
		payload, err = conn.Evaluate(req.Function, req.Args...)
	}

	if err != nil {
		classified := Classify(err)
		if classified.Class == ClassUnauthorized {
			// The session's credentials were rejected; force a rebuild.
			e.cache.Evict(req.Identity)
		}
		e.logger.Warn().
			Str("identity", req.Identity).
			Str("function", req.Function).
			Str("kind", string(req.Kind)).
			Str("class", string(classified.Class)).
			Err(err).
			Msg("transaction failed")
		return nil, classified
	}

	e.logger.Debug().
		Str("identity", req.Identity).
		Str("function", req.Function).
		Str("kind", string(req.Kind)).
		Msg("transaction succeeded")
	return payload, nil
}
