// Package relay fans chaincode and block events out to subscribed clients.
// Subscriptions are tracked per client connection, so dropping a client
// releases every ledger-side registration it held.
package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medledger/medledger/internal/ledger"
)

// ConnectionSource yields the ledger connection for an identity. Satisfied by
// ledger.Cache.
type ConnectionSource interface {
	Get(ctx context.Context, identity string) (ledger.Connection, error)
}

// Sink receives relayed messages. Implementations must not block; the
// websocket client buffers and drops slow consumers itself.
type Sink interface {
	Send(msg Message)
}

// Message types delivered to sinks.
const (
	TypeContractEvent = "contract:event"
	TypeBlockEvent    = "block:event"
)

// Message is one relayed event.
type Message struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscriptionId"`
	Event          string          `json:"event,omitempty"`
	TxID           string          `json:"txId,omitempty"`
	BlockNumber    uint64          `json:"blockNumber"`
	Channel        string          `json:"channel,omitempty"`
	TxIDs          []string        `json:"txIds,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

type subscription struct {
	cancel func()
}

// Relay owns the mapping from client connections to their ledger event
// registrations.
type Relay struct {
	mu      sync.Mutex
	source  ConnectionSource
	logger  zerolog.Logger
	clients map[string]map[string]*subscription
}

// New creates a relay over the given connection source.
func New(source ConnectionSource, logger zerolog.Logger) *Relay {
	return &Relay{
		source:  source,
		logger:  logger.With().Str("component", "event_relay").Logger(),
		clients: make(map[string]map[string]*subscription),
	}
}

// SubscribeContract registers the client for chaincode events matching
// pattern and returns the subscription ID. Events are pushed to sink until
// Unsubscribe or DropClient.
func (r *Relay) SubscribeContract(ctx context.Context, clientID, identity, pattern string, sink Sink) (string, error) {
	conn, err := r.source.Get(ctx, identity)
	if err != nil {
		return "", err
	}
	reg, events, err := conn.RegisterContractEvent(pattern)
	if err != nil {
		return "", ledger.Classify(err)
	}

	subID := uuid.New().String()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				// select picks ready cases at random; an event buffered
				// before cancellation could still win over the closed stop
				// channel, so re-check before delivering.
				select {
				case <-stop:
					return
				default:
				}
				sink.Send(Message{
					Type:           TypeContractEvent,
					SubscriptionID: subID,
					Event:          ev.Name,
					TxID:           ev.TxID,
					BlockNumber:    ev.BlockNumber,
					Payload:        eventPayload(ev.Payload),
				})
			}
		}
	}()

	r.add(clientID, subID, func() {
		conn.Unregister(reg)
		close(stop)
	})
	r.logger.Debug().
		Str("client_id", clientID).
		Str("subscription_id", subID).
		Str("pattern", pattern).
		Msg("contract subscription added")
	return subID, nil
}

// SubscribeBlocks registers the client for block events on the channel the
// identity's connection is bound to.
func (r *Relay) SubscribeBlocks(ctx context.Context, clientID, identity string, sink Sink) (string, error) {
	conn, err := r.source.Get(ctx, identity)
	if err != nil {
		return "", err
	}
	reg, blocks, err := conn.RegisterBlockEvent()
	if err != nil {
		return "", ledger.Classify(err)
	}

	subID := uuid.New().String()
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case b, ok := <-blocks:
				if !ok {
					return
				}
				select {
				case <-stop:
					return
				default:
				}
				sink.Send(Message{
					Type:           TypeBlockEvent,
					SubscriptionID: subID,
					BlockNumber:    b.Number,
					Channel:        b.Channel,
					TxIDs:          b.TxIDs,
				})
			}
		}
	}()

	r.add(clientID, subID, func() {
		conn.Unregister(reg)
		close(stop)
	})
	r.logger.Debug().
		Str("client_id", clientID).
		Str("subscription_id", subID).
		Msg("block subscription added")
	return subID, nil
}

// Unsubscribe cancels one subscription. Unknown IDs are a no-op, so clients
// can unsubscribe blindly on teardown.
func (r *Relay) Unsubscribe(clientID, subID string) {
	r.mu.Lock()
	subs := r.clients[clientID]
	sub, ok := subs[subID]
	if ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(r.clients, clientID)
		}
	}
	r.mu.Unlock()

	if ok {
		sub.cancel()
		r.logger.Debug().
			Str("client_id", clientID).
			Str("subscription_id", subID).
			Msg("subscription removed")
	}
}

// DropClient cancels every subscription the client holds. Called when the
// client connection closes.
func (r *Relay) DropClient(clientID string) {
	r.mu.Lock()
	subs := r.clients[clientID]
	delete(r.clients, clientID)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	if len(subs) > 0 {
		r.logger.Debug().
			Str("client_id", clientID).
			Int("count", len(subs)).
			Msg("client subscriptions released")
	}
}

// SubscriptionCount reports how many subscriptions the client holds.
func (r *Relay) SubscriptionCount(clientID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients[clientID])
}

func (r *Relay) add(clientID, subID string, cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.clients[clientID]
	if subs == nil {
		subs = make(map[string]*subscription)
		r.clients[clientID] = subs
	}
	subs[subID] = &subscription{cancel: cancel}
}

// eventPayload passes valid JSON through untouched and wraps everything else
// as a JSON string, so sinks always get well-formed JSON.
func eventPayload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, err := json.Marshal(string(raw))
	if err != nil {
		return nil
	}
	return quoted
}
