package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	fabric "github.com/hyperledger/fabric-gateway/pkg/client"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
)

// LedgerGatewayConfig locates the gateway peer, the signing identity and the
// target contract.
type LedgerGatewayConfig struct {
	Endpoint        string
	HostAlias       string
	TLSCertPath     string
	MSPID           string
	MSPRoot         string
	Channel         string
	Chaincode       string
	ConnectTimeout  time.Duration
	EvaluateTimeout time.Duration
	SubmitTimeout   time.Duration
}

// Connector establishes a contract binding. The returned closer tears the
// binding down.
type Connector func(ctx context.Context) (ledger.Contract, io.Closer, error)

// LedgerGatewayClient owns the single ledger session of the process. The
// first EnsureContract call connects; later calls reuse the binding until
// Disconnect.
type LedgerGatewayClient struct {
	cfg     LedgerGatewayConfig
	log     zerolog.Logger
	connect Connector

	mu       sync.Mutex
	contract ledger.Contract
	closer   io.Closer
}

// LedgerGatewayOption customizes a LedgerGatewayClient.
type LedgerGatewayOption func(*LedgerGatewayClient)

// WithConnector replaces the gateway dialer, mainly for tests.
func WithConnector(c Connector) LedgerGatewayOption {
	return func(l *LedgerGatewayClient) { l.connect = c }
}

// NewLedgerGatewayClient creates an unconnected client.
func NewLedgerGatewayClient(cfg LedgerGatewayConfig, log zerolog.Logger, opts ...LedgerGatewayOption) *LedgerGatewayClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	c := &LedgerGatewayClient{cfg: cfg, log: log}
	c.connect = c.dialGateway
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureContract returns the cached contract handle, connecting on first
// use. Failed attempts are not cached.
func (c *LedgerGatewayClient) EnsureContract(ctx context.Context) (ledger.Contract, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.contract != nil {
		return c.contract, nil
	}

	contract, closer, err := c.connect(ctx)
	if err != nil {
		var connErr *ledger.ConnectionError
		if !stderrors.As(err, &connErr) {
			err = &ledger.ConnectionError{Op: "connect", Err: err}
		}
		return nil, err
	}

	c.contract, c.closer = contract, closer
	c.log.Info().
		Str("endpoint", c.cfg.Endpoint).
		Str("channel", c.cfg.Channel).
		Str("chaincode", c.cfg.Chaincode).
		Str("msp_id", c.cfg.MSPID).
		Msg("Ledger gateway connected")
	return contract, nil
}

// Disconnect closes the session. The next EnsureContract reconnects.
func (c *LedgerGatewayClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.contract == nil {
		return nil
	}
	closer := c.closer
	c.contract, c.closer = nil, nil
	if closer == nil {
		return nil
	}
	if err := closer.Close(); err != nil {
		return fmt.Errorf("failed to close ledger gateway: %w", err)
	}
	c.log.Info().Msg("Ledger gateway disconnected")
	return nil
}

// Close is Disconnect, for deferred teardown.
func (c *LedgerGatewayClient) Close() error {
	return c.Disconnect()
}

func (c *LedgerGatewayClient) dialGateway(ctx context.Context) (ledger.Contract, io.Closer, error) {
	id, sign, err := LoadIdentity(c.cfg.MSPRoot, c.cfg.MSPID)
	if err != nil {
		return nil, nil, &ledger.ConnectionError{Op: "load identity", Err: err}
	}

	creds := insecure.NewCredentials()
	if c.cfg.TLSCertPath != "" {
		roots, err := loadTLSRoots(c.cfg.TLSCertPath)
		if err != nil {
			return nil, nil, &ledger.ConnectionError{Op: "load tls", Err: err}
		}
		creds = credentials.NewClientTLSFromCert(roots, c.cfg.HostAlias)
	}

	conn, err := grpc.NewClient(c.cfg.Endpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithChainUnaryInterceptor(propagateRequestID, observeLedgerRPC(c.log)),
	)
	if err != nil {
		return nil, nil, &ledger.ConnectionError{Op: "dial", Err: err}
	}
	if err := waitReady(ctx, conn, c.cfg.ConnectTimeout); err != nil {
		conn.Close()
		return nil, nil, &ledger.ConnectionError{Op: "handshake", Err: err}
	}

	gw, err := fabric.Connect(id,
		fabric.WithSign(sign),
		fabric.WithClientConnection(conn),
		fabric.WithEvaluateTimeout(orDefault(c.cfg.EvaluateTimeout, 5*time.Second)),
		fabric.WithEndorseTimeout(orDefault(c.cfg.SubmitTimeout, 15*time.Second)),
		fabric.WithSubmitTimeout(orDefault(c.cfg.SubmitTimeout, 15*time.Second)),
		fabric.WithCommitStatusTimeout(time.Minute),
	)
	if err != nil {
		conn.Close()
		return nil, nil, &ledger.ConnectionError{Op: "gateway", Err: err}
	}

	contract := gw.GetNetwork(c.cfg.Channel).GetContract(c.cfg.Chaincode)
	return &gatewayContract{contract: contract}, &gatewaySession{gateway: gw, conn: conn}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("peer not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// gatewaySession closes the gateway before its gRPC connection.
type gatewaySession struct {
	gateway *fabric.Gateway
	conn    *grpc.ClientConn
}

func (s *gatewaySession) Close() error {
	return stderrors.Join(s.gateway.Close(), s.conn.Close())
}

// gatewayContract adapts a fabric-gateway contract to ledger.Contract.
type gatewayContract struct {
	contract *fabric.Contract
}

func (g *gatewayContract) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	proposal, err := g.contract.NewProposal(name, fabric.WithArguments(args...))
	if err != nil {
		return nil, err
	}
	return proposal.EvaluateWithContext(ctx)
}

// Submit endorses, orders and waits for the commit of one transaction. Each
// call builds a new proposal, so every retry carries a fresh transaction id.
func (g *gatewayContract) Submit(ctx context.Context, name string, args ...string) (*ledger.Submission, error) {
	proposal, err := g.contract.NewProposal(name, fabric.WithArguments(args...))
	if err != nil {
		return nil, err
	}
	txID := proposal.TransactionID()

	tx, err := proposal.EndorseWithContext(ctx)
	if err != nil {
		return nil, err
	}
	commit, err := tx.SubmitWithContext(ctx)
	if err != nil {
		return nil, err
	}
	status, err := commit.StatusWithContext(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Successful {
		return nil, &ledger.CommitRejectedError{TxID: txID, Code: status.Code}
	}

	return &ledger.Submission{Payload: tx.Result(), TxID: txID}, nil
}
