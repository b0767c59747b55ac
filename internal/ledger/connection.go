// Package ledger is the gateway between the HTTP layer and the Fabric
// network: it owns per-identity connections, executes and classifies
// transactions, and resolves optimistic-concurrency conflicts.
package ledger

import "context"

// Kind selects how a transaction is executed against the ledger.
type Kind string

const (
	// KindSubmit is an ordered write that waits for commit.
	KindSubmit Kind = "submit"
	// KindSubmitPrivate is a write carrying transient data that is shared
	// with endorsers but never recorded on the public ledger.
	KindSubmitPrivate Kind = "submit-private"
	// KindQuery is a read evaluated on a single peer with no commit.
	KindQuery Kind = "query"
)

// Valid reports whether k is one of the three supported kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSubmit, KindSubmitPrivate, KindQuery:
		return true
	}
	return false
}

// Request describes one ledger operation on behalf of an identity.
type Request struct {
	Kind      Kind
	Function  string
	Args      []string
	Identity  string
	Transient map[string][]byte
}

// ContractEvent is a chaincode event emitted by a committed transaction.
type ContractEvent struct {
	Name        string
	Payload     []byte
	TxID        string
	BlockNumber uint64
}

// BlockEvent announces a committed block.
type BlockEvent struct {
	Number  uint64
	Channel string
	TxIDs   []string
}

// Registration is an opaque handle for an active event listener, passed back
// to Connection.Unregister to tear the listener down.
type Registration interface{}

// Connection is one live session with the ledger network, bound to a single
// identity. Implementations are safe for concurrent use; the SDK enforces
// per-call endorsement, commit, and query timeouts.
type Connection interface {
	Submit(fn string, args ...string) ([]byte, error)
	SubmitWithTransient(fn string, transient map[string][]byte, args ...string) ([]byte, error)
	Evaluate(fn string, args ...string) ([]byte, error)

	// RegisterContractEvent streams chaincode events whose name matches
	// pattern (a regular expression per the SDK's event filter semantics).
	RegisterContractEvent(pattern string) (Registration, <-chan ContractEvent, error)
	// RegisterBlockEvent streams every committed block on the channel.
	RegisterBlockEvent() (Registration, <-chan BlockEvent, error)
	Unregister(reg Registration)

	Close()
}

// Dialer constructs Connections. The production implementation is
// FabricDialer; tests substitute fakes.
type Dialer interface {
	Dial(ctx context.Context, identity string) (Connection, error)
}
