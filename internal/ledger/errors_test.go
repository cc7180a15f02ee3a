package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/hyperledger/fabric-protos-go-apiv2/gateway"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"typed transient", &TransientError{Err: stderrors.New("x")}, ClassTransient},
		{"typed conflict", fmt.Errorf("submit: %w", &WriteConflictError{Err: stderrors.New("x")}), ClassConflict},
		{"connection", &ConnectionError{Op: "load identity", Err: stderrors.New("timeout")}, ClassTerminal},
		{"not found sentinel", fmt.Errorf("read: %w", ErrNotFound), ClassNotFound},
		{"mvcc commit code", &CommitRejectedError{TxID: "tx-9", Code: peer.TxValidationCode_MVCC_READ_CONFLICT}, ClassConflict},
		{"phantom commit code", &CommitRejectedError{TxID: "tx-9", Code: peer.TxValidationCode_PHANTOM_READ_CONFLICT}, ClassConflict},
		{"policy commit code", &CommitRejectedError{TxID: "tx-9", Code: peer.TxValidationCode_ENDORSEMENT_POLICY_FAILURE}, ClassTerminal},
		{"grpc unavailable", status.Error(codes.Unavailable, "peer down"), ClassTransient},
		{"grpc deadline", status.Error(codes.DeadlineExceeded, "slow"), ClassTransient},
		{"grpc aborted endorsement", status.Error(codes.Aborted, "failed to endorse transaction, see attached details for more info"), ClassTerminal},
		{"grpc aborted mvcc", status.Error(codes.Aborted, "transaction failed: MVCC_READ_CONFLICT"), ClassConflict},
		{"grpc aborted mvcc detail", abortedWithDetail(t, "endorsement conflict on key cycle:c1"), ClassConflict},
		{"grpc aborted chaincode rejection detail", abortedWithDetail(t, "chaincode response 500, cycle c1 already at STORAGE"), ClassTerminal},
		{"grpc unknown with chaincode text", status.Error(codes.Unknown, "cycle c1 does not exist"), ClassNotFound},
		{"grpc permission", status.Error(codes.PermissionDenied, "creator not authorized"), ClassTerminal},
		{"context deadline", fmt.Errorf("evaluate: %w", context.DeadlineExceeded), ClassTransient},
		{"context canceled", context.Canceled, ClassTerminal},
		{"text reset", stderrors.New("read ECONNRESET"), ClassTransient},
		{"text snapshot", stderrors.New("snapshot-isolation violated"), ClassConflict},
		{"text not found", stderrors.New("Cycle NOT FOUND"), ClassNotFound},
		{"text other", stderrors.New("chaincode panic"), ClassTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func abortedWithDetail(t *testing.T, msg string) error {
	t.Helper()
	st, err := status.New(codes.Aborted, "failed to endorse transaction, see attached details for more info").
		WithDetails(&gateway.ErrorDetail{Address: "peer0:7051", MspId: "Org1MSP", Message: msg})
	require.NoError(t, err)
	return st.Err()
}

func TestRetryableEndorsementFailure(t *testing.T) {
	err := status.Error(codes.Aborted, "failed to endorse transaction, see attached details for more info")
	assert.False(t, Retryable(err, true))
}

func TestRetryable(t *testing.T) {
	conflict := &WriteConflictError{Err: stderrors.New("x")}
	assert.True(t, Retryable(conflict, true))
	assert.False(t, Retryable(conflict, false))
	assert.True(t, Retryable(status.Error(codes.Unavailable, ""), false))
	assert.False(t, Retryable(ErrNotFound, false))
	assert.False(t, Retryable(nil, true))
}

func TestErrorCodes(t *testing.T) {
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(&ConnectionError{Op: "dial", Err: stderrors.New("x")}))
	assert.Equal(t, errors.ErrCodeConflict, errors.CodeOf(&WriteConflictError{Err: stderrors.New("x")}))
}
