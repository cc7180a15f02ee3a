package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
)

// Contract is a bound chaincode handle.
type Contract interface {
	Evaluate(ctx context.Context, name string, args ...string) ([]byte, error)
	Submit(ctx context.Context, name string, args ...string) (*Submission, error)
}

// ContractProvider hands out the process-wide contract handle.
type ContractProvider interface {
	EnsureContract(ctx context.Context) (Contract, error)
	Disconnect() error
}

// Submission is the result of a committed ledger write.
type Submission struct {
	Payload []byte
	TxID    string
}

// Function is a logical ledger function name.
type Function string

const (
	FnGetCycle               Function = "getCycle"
	FnCreateCycle            Function = "createCycle"
	FnUpdateCycleStage       Function = "updateCycleStage"
	FnListByBatch            Function = "listByBatch"
	FnGetTxHistory           Function = "getTxHistory"
	FnListByInstrument       Function = "listByInstrument"
	FnGetHistoryByInstrument Function = "getHistoryByInstrument"
)

// Functions lists every logical function the service calls.
var Functions = []Function{
	FnGetCycle, FnCreateCycle, FnUpdateCycleStage, FnListByBatch,
	FnGetTxHistory, FnListByInstrument, FnGetHistoryByInstrument,
}

// DefaultAliases maps logical names onto chaincode transaction names.
var DefaultAliases = map[Function]string{
	FnGetCycle:               "GetCycleById",
	FnCreateCycle:            "CreateCycle",
	FnUpdateCycleStage:       "UpdateCycleStage",
	FnListByBatch:            "ListCyclesByBatch",
	FnGetTxHistory:           "GetTxHistory",
	FnListByInstrument:       "ListCyclesByInstrument",
	FnGetHistoryByInstrument: "GetHistoryByInstrument",
}

// ValidateAliases checks that every logical function is mapped and that the
// table names nothing else.
func ValidateAliases(aliases map[Function]string) error {
	known := make(map[Function]bool, len(Functions))
	var missing []string
	for _, fn := range Functions {
		known[fn] = true
		if aliases[fn] == "" {
			missing = append(missing, string(fn))
		}
	}
	var unknown []string
	for fn := range aliases {
		if !known[fn] {
			unknown = append(unknown, string(fn))
		}
	}
	sort.Strings(unknown)
	if len(missing) > 0 || len(unknown) > 0 {
		return fmt.Errorf("invalid ledger alias table: missing %v, unknown %v", missing, unknown)
	}
	return nil
}

// Facade is the single entry point for ledger reads and writes.
type Facade struct {
	contracts ContractProvider
	retrier   *Retrier
	aliases   map[Function]string
	log       *logger.Logger
}

// NewFacade validates the alias table and builds a facade. A nil table uses
// DefaultAliases.
func NewFacade(contracts ContractProvider, retrier *Retrier, aliases map[Function]string, log *logger.Logger) (*Facade, error) {
	if aliases == nil {
		aliases = DefaultAliases
	}
	if err := ValidateAliases(aliases); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Facade{contracts: contracts, retrier: retrier, aliases: aliases, log: log}, nil
}

// Resolve returns the chaincode name for a logical function.
func (f *Facade) Resolve(fn Function) (string, error) {
	name, ok := f.aliases[fn]
	if !ok {
		return "", fmt.Errorf("unknown ledger function %q", fn)
	}
	return name, nil
}

// Evaluate runs a read. A resource the ledger reports as absent yields a
// nil payload and a nil error.
func (f *Facade) Evaluate(ctx context.Context, fn Function, args ...string) ([]byte, error) {
	name, err := f.Resolve(fn)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	payload, err := Retry(ctx, f.retrier, string(fn), false, func(ctx context.Context) ([]byte, error) {
		contract, err := f.contracts.EnsureContract(ctx)
		if err != nil {
			return nil, err
		}
		return contract.Evaluate(ctx, name, args...)
	})
	metrics.LedgerCallDuration.WithLabelValues(string(fn), "evaluate").Observe(time.Since(start).Seconds())

	if err != nil {
		if Classify(err) == ClassNotFound {
			return nil, nil
		}
		f.afterFailure(fn, err)
		return nil, err
	}
	return payload, nil
}

// Submit runs a write and waits for its commit.
func (f *Facade) Submit(ctx context.Context, fn Function, args ...string) (*Submission, error) {
	name, err := f.Resolve(fn)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sub, err := Retry(ctx, f.retrier, string(fn), true, func(ctx context.Context) (*Submission, error) {
		contract, err := f.contracts.EnsureContract(ctx)
		if err != nil {
			return nil, err
		}
		return contract.Submit(ctx, name, args...)
	})
	metrics.LedgerCallDuration.WithLabelValues(string(fn), "submit").Observe(time.Since(start).Seconds())

	if err != nil {
		f.afterFailure(fn, err)
		return nil, err
	}
	return sub, nil
}

// afterFailure drops the cached connection when retries could not mask a
// network-class failure, so the next call dials again.
func (f *Facade) afterFailure(fn Function, err error) {
	if Classify(err) != ClassTransient {
		return
	}
	if derr := f.contracts.Disconnect(); derr != nil {
		f.log.Warn().Err(derr).Str("function", string(fn)).Msg("failed to reset ledger connection")
		return
	}
	f.log.Warn().Err(err).Str("function", string(fn)).Msg("ledger connection reset after exhausted retries")
}
