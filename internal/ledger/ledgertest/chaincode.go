// Package ledgertest provides an in-memory cycle chaincode for tests.
package ledgertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
)

// ISOMillis is the timestamp layout the chaincode writes.
const ISOMillis = "2006-01-02T15:04:05.000Z"

// Chaincode simulates the cycle contract. It implements both
// ledger.Contract and ledger.ContractProvider.
type Chaincode struct {
	mu sync.Mutex

	Identity string
	MSPID    string

	now      func() time.Time
	seq      int
	forceTx  string
	failErr  error
	failLeft int
	calls    map[string]int
	disconns int

	cycles      map[string]*ledger.CycleDocument
	txHistory   map[string][]ledger.TxHistoryItem
	instruments map[string][]ledger.InstrumentEvent
}

// New creates an empty chaincode. Timestamps start at start and advance one
// minute per committed transaction.
func New(start time.Time) *Chaincode {
	cc := &Chaincode{
		Identity:    "x509::/C=US/ST=North Carolina/O=Hyperledger/OU=client/CN=appUser::/C=US/ST=North Carolina/L=Durham/O=org1.example.com/CN=ca.org1.example.com",
		MSPID:       "Org1MSP",
		calls:       map[string]int{},
		cycles:      map[string]*ledger.CycleDocument{},
		txHistory:   map[string][]ledger.TxHistoryItem{},
		instruments: map[string][]ledger.InstrumentEvent{},
	}
	t := start.UTC()
	cc.now = func() time.Time {
		t = t.Add(time.Minute)
		return t
	}
	return cc
}

// EnsureContract returns the chaincode itself.
func (c *Chaincode) EnsureContract(ctx context.Context) (ledger.Contract, error) {
	return c, nil
}

// Disconnect counts teardown requests.
func (c *Chaincode) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconns++
	return nil
}

// Disconnects returns how many times Disconnect was called.
func (c *Chaincode) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconns
}

// Fail makes every call return err until Recover. A positive times limits
// the failure to that many calls.
func (c *Chaincode) Fail(err error, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
	c.failLeft = times
}

// Recover clears an injected failure.
func (c *Chaincode) Recover() {
	c.Fail(nil, 0)
}

// ForceTxID pins the id handed to the next committed transactions.
func (c *Chaincode) ForceTxID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceTx = id
}

// Calls returns how many times a chaincode function was invoked.
func (c *Chaincode) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// SeedEvent appends an entry to an instrument timeline as if it had been
// committed by another writer. Missing tx ids and timestamps are generated.
func (c *Chaincode) SeedEvent(instrumentID string, ev ledger.InstrumentEvent) ledger.InstrumentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.TxID == "" {
		ev.TxID = c.nextTxID()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = c.now().Format(ISOMillis)
	}
	c.instruments[instrumentID] = append(c.instruments[instrumentID], ev)

	if ev.CycleID != "" {
		doc, ok := c.cycles[ev.CycleID]
		if !ok {
			doc = &ledger.CycleDocument{ID: ev.CycleID, InstrumentID: instrumentID, BatchID: ev.BatchID}
			c.cycles[ev.CycleID] = doc
		}
		doc.Stage = ev.Stage
		doc.History = append(doc.History, ledger.HistoryEntry{
			TxID: ev.TxID, Stage: ev.Stage, Timestamp: ev.Timestamp, OperatorID: ev.OperatorIdentity(), MSPID: ev.MSPID,
		})
		c.txHistory[ev.CycleID] = append(c.txHistory[ev.CycleID], ledger.TxHistoryItem{
			TxID: ev.TxID, Timestamp: ev.Timestamp, Value: cloneDoc(doc),
		})
	}
	return ev
}

// Evaluate implements ledger.Contract.
func (c *Chaincode) Evaluate(ctx context.Context, name string, args ...string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(name); err != nil {
		return nil, err
	}

	switch name {
	case "GetCycleById":
		doc, ok := c.cycles[arg(args, 0)]
		if !ok {
			return nil, fmt.Errorf("cycle %s does not exist", arg(args, 0))
		}
		return json.Marshal(doc)
	case "ListCyclesByBatch":
		var out []*ledger.CycleDocument
		for _, doc := range c.sortedCycles() {
			if doc.BatchID == arg(args, 0) {
				out = append(out, doc)
			}
		}
		return json.Marshal(out)
	case "ListCyclesByInstrument":
		var out []*ledger.CycleDocument
		for _, doc := range c.sortedCycles() {
			if doc.InstrumentID == arg(args, 0) {
				out = append(out, doc)
			}
		}
		return json.Marshal(out)
	case "GetTxHistory":
		return json.Marshal(c.txHistory[arg(args, 0)])
	case "GetHistoryByInstrument":
		return json.Marshal(c.instruments[arg(args, 0)])
	}
	return nil, fmt.Errorf("function %s not implemented by chaincode", name)
}

// Submit implements ledger.Contract.
func (c *Chaincode) Submit(ctx context.Context, name string, args ...string) (*ledger.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(name); err != nil {
		return nil, err
	}

	switch name {
	case "CreateCycle":
		id, batchID, instrumentID, st := arg(args, 0), arg(args, 1), arg(args, 2), arg(args, 3)
		if _, ok := c.cycles[id]; ok {
			return nil, fmt.Errorf("cycle %s already exists", id)
		}
		doc := &ledger.CycleDocument{ID: id, InstrumentID: instrumentID, BatchID: batchID}
		c.cycles[id] = doc
		return c.commit(doc, st)
	case "UpdateCycleStage":
		doc, ok := c.cycles[arg(args, 0)]
		if !ok {
			return nil, fmt.Errorf("cycle %s does not exist", arg(args, 0))
		}
		return c.commit(doc, arg(args, 1))
	}
	return nil, fmt.Errorf("function %s not implemented by chaincode", name)
}

func (c *Chaincode) enter(name string) error {
	c.calls[name]++
	if c.failErr == nil {
		return nil
	}
	err := c.failErr
	if c.failLeft > 0 {
		c.failLeft--
		if c.failLeft == 0 {
			c.failErr = nil
		}
	}
	return err
}

func (c *Chaincode) commit(doc *ledger.CycleDocument, st string) (*ledger.Submission, error) {
	txID := c.nextTxID()
	ts := c.now().Format(ISOMillis)
	doc.Stage = st
	doc.History = append(doc.History, ledger.HistoryEntry{
		TxID: txID, Stage: st, Timestamp: ts, OperatorID: c.Identity, MSPID: c.MSPID,
	})
	c.txHistory[doc.ID] = append(c.txHistory[doc.ID], ledger.TxHistoryItem{TxID: txID, Timestamp: ts, Value: cloneDoc(doc)})
	c.instruments[doc.InstrumentID] = append(c.instruments[doc.InstrumentID], ledger.InstrumentEvent{
		TxID: txID, CycleID: doc.ID, BatchID: doc.BatchID, Stage: st, Timestamp: ts, OperatorID: c.Identity, MSPID: c.MSPID,
	})
	payload, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &ledger.Submission{Payload: payload, TxID: txID}, nil
}

func (c *Chaincode) nextTxID() string {
	if c.forceTx != "" {
		return c.forceTx
	}
	c.seq++
	return fmt.Sprintf("tx-%03d", c.seq)
}

func (c *Chaincode) sortedCycles() []*ledger.CycleDocument {
	out := make([]*ledger.CycleDocument, 0, len(c.cycles))
	for _, doc := range c.cycles {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneDoc(doc *ledger.CycleDocument) *ledger.CycleDocument {
	cp := *doc
	cp.History = append([]ledger.HistoryEntry(nil), doc.History...)
	return &cp
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}
