package client

import "github.com/pesio-ai/be-sterilization-trace/internal/ledger"

// LedgerGatewayClient is the production ContractProvider.
var _ ledger.ContractProvider = (*LedgerGatewayClient)(nil)

var _ ledger.Contract = (*gatewayContract)(nil)
