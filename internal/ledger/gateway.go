package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hyperledger/fabric-sdk-go/pkg/core/config"
	"github.com/hyperledger/fabric-sdk-go/pkg/gateway"
)

// eventBuffer bounds each adapted event channel so a slow consumer cannot
// block the SDK's dispatcher goroutine.
const eventBuffer = 64

// FabricConfig locates the connection profile, wallet, and target contract
// shared by every connection the dialer builds.
type FabricConfig struct {
	// CCPPath is the path to the Fabric connection profile (YAML or JSON).
	CCPPath string
	// WalletPath is the directory of the file-system wallet holding one
	// enrolled identity per caller, provisioned out-of-band.
	WalletPath string
	Channel    string
	Chaincode  string
}

// FabricDialer builds gateway connections for enrolled identities.
type FabricDialer struct {
	cfg FabricConfig
}

// NewFabricDialer creates a dialer from the given configuration.
func NewFabricDialer(cfg FabricConfig) *FabricDialer {
	return &FabricDialer{cfg: cfg}
}

// Dial opens a gateway session for the identity. The wallet lookup fails fast
// with IDENTITY_NOT_FOUND for unknown identities, before any network traffic.
func (d *FabricDialer) Dial(ctx context.Context, identity string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wallet, err := gateway.NewFileSystemWallet(d.cfg.WalletPath)
	if err != nil {
		return nil, fmt.Errorf("open wallet %s: %w", d.cfg.WalletPath, err)
	}
	if !wallet.Exists(identity) {
		return nil, &Error{
			Class: ClassIdentityNotFound,
			Err:   fmt.Errorf("identity %q does not exist in the wallet", identity),
		}
	}

	gw, err := gateway.Connect(
		gateway.WithConfig(config.FromFile(filepath.Clean(d.cfg.CCPPath))),
		gateway.WithIdentity(wallet, identity),
	)
	if err != nil {
		return nil, fmt.Errorf("connect gateway as %q: %w", identity, err)
	}

	network, err := gw.GetNetwork(d.cfg.Channel)
	if err != nil {
		gw.Close()
		return nil, fmt.Errorf("get network %s: %w", d.cfg.Channel, err)
	}

	return &fabricConnection{
		gw:       gw,
		network:  network,
		contract: network.GetContract(d.cfg.Chaincode),
	}, nil
}

// fabricConnection adapts the fabric-sdk-go gateway API to the Connection
// interface. The SDK's contract and network handles are concurrency-safe.
type fabricConnection struct {
	gw       *gateway.Gateway
	network  *gateway.Network
	contract *gateway.Contract
}

func (c *fabricConnection) Submit(fn string, args ...string) ([]byte, error) {
	return c.contract.SubmitTransaction(fn, args...)
}

func (c *fabricConnection) SubmitWithTransient(fn string, transient map[string][]byte, args ...string) ([]byte, error) {
	txn, err := c.contract.CreateTransaction(fn, gateway.WithTransient(transient))
	if err != nil {
		return nil, fmt.Errorf("create transaction %s: %w", fn, err)
	}
	return txn.Submit(args...)
}

func (c *fabricConnection) Evaluate(fn string, args ...string) ([]byte, error) {
	return c.contract.EvaluateTransaction(fn, args...)
}

// fabricRegistration pairs the SDK registration with the stop channel of the
// goroutine pumping its events, so Unregister tears both down.
type fabricRegistration struct {
	unregister func()
	stop       chan struct{}
	once       sync.Once
}

func (c *fabricConnection) RegisterContractEvent(pattern string) (Registration, <-chan ContractEvent, error) {
	reg, src, err := c.contract.RegisterEvent(pattern)
	if err != nil {
		return nil, nil, fmt.Errorf("register contract event %q: %w", pattern, err)
	}

	out := make(chan ContractEvent, eventBuffer)
	fr := &fabricRegistration{
		unregister: func() { c.contract.Unregister(reg) },
		stop:       make(chan struct{}),
	}

	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- ContractEvent{
					Name:        ev.EventName,
					Payload:     ev.Payload,
					TxID:        ev.TxID,
					BlockNumber: ev.BlockNumber,
				}:
				case <-fr.stop:
					return
				}
			case <-fr.stop:
				return
			}
		}
	}()

	return fr, out, nil
}

func (c *fabricConnection) RegisterBlockEvent() (Registration, <-chan BlockEvent, error) {
	reg, src, err := c.network.RegisterFilteredBlockEvent()
	if err != nil {
		return nil, nil, fmt.Errorf("register block event: %w", err)
	}

	out := make(chan BlockEvent, eventBuffer)
	fr := &fabricRegistration{
		unregister: func() { c.network.Unregister(reg) },
		stop:       make(chan struct{}),
	}

	go func() {
		defer close(out)
		for {
			select {
			case ev, ok := <-src:
				if !ok {
					return
				}
				if ev.FilteredBlock == nil {
					continue
				}
				be := BlockEvent{
					Number:  ev.FilteredBlock.Number,
					Channel: ev.FilteredBlock.ChannelId,
				}
				for _, tx := range ev.FilteredBlock.FilteredTransactions {
					be.TxIDs = append(be.TxIDs, tx.Txid)
				}
				select {
				case out <- be:
				case <-fr.stop:
					return
				}
			case <-fr.stop:
				return
			}
		}
	}()

	return fr, out, nil
}

func (c *fabricConnection) Unregister(reg Registration) {
	fr, ok := reg.(*fabricRegistration)
	if !ok {
		return
	}
	fr.once.Do(func() {
		fr.unregister()
		close(fr.stop)
	})
}

func (c *fabricConnection) Close() {
	c.gw.Close()
}
