// Package consensuserr defines the consensus-rule error taxonomy of
// spec.md §7, in the teacher's ruleError(code, text) idiom
// (blockdag/validate.go): an iota ErrorCode plus a ConsensusError carrying
// it, so callers can errors.As and branch on code rather than string
// match. Storage IO failures are wrapped separately with
// github.com/pkg/errors and never carry an ErrorCode.
package consensuserr

import "fmt"

// ErrorCode identifies a specific consensus rule violation.
type ErrorCode int

const (
	// Admission errors.
	ErrAlreadyInChain ErrorCode = iota
	ErrInvalidTips
	ErrExpectedTips
	ErrInvalidBlockHeight
	ErrInvalidBlockHeightStableHeight
	ErrInvalidReachability
	ErrBlockDeviation
	ErrTimestampIsInFuture
	ErrTimestampIsLessThanParent
	ErrInvalidBlockSize
	ErrInvalidBlockTxs

	// PoW.
	ErrInvalidDifficulty

	// Transaction errors.
	ErrInvalidSignature
	ErrInvalidTxNonce
	ErrNotEnoughFunds
	ErrTxAlreadyInMempool
	ErrTxAlreadyInBlock
	ErrInvalidTxInBlock
	ErrTxEmpty
	ErrInvalidTransactionToSender
	ErrInvalidTransactionExtraDataTooBig
	ErrOverflow
	ErrSmartContractTodo

	// Storage errors.
	ErrBlockNotFound
	ErrAccountNotFound

	// Config errors.
	ErrInvalidNetwork
	ErrGenesisBlockMiner
	ErrInvalidGenesisHash
)

var errorCodeStrings = map[ErrorCode]string{
	ErrAlreadyInChain:                    "ErrAlreadyInChain",
	ErrInvalidTips:                       "ErrInvalidTips",
	ErrExpectedTips:                      "ErrExpectedTips",
	ErrInvalidBlockHeight:                "ErrInvalidBlockHeight",
	ErrInvalidBlockHeightStableHeight:    "ErrInvalidBlockHeightStableHeight",
	ErrInvalidReachability:               "ErrInvalidReachability",
	ErrBlockDeviation:                    "ErrBlockDeviation",
	ErrTimestampIsInFuture:               "ErrTimestampIsInFuture",
	ErrTimestampIsLessThanParent:         "ErrTimestampIsLessThanParent",
	ErrInvalidBlockSize:                  "ErrInvalidBlockSize",
	ErrInvalidBlockTxs:                   "ErrInvalidBlockTxs",
	ErrInvalidDifficulty:                 "ErrInvalidDifficulty",
	ErrInvalidSignature:                  "ErrInvalidSignature",
	ErrInvalidTxNonce:                    "ErrInvalidTxNonce",
	ErrNotEnoughFunds:                    "ErrNotEnoughFunds",
	ErrTxAlreadyInMempool:                "ErrTxAlreadyInMempool",
	ErrTxAlreadyInBlock:                  "ErrTxAlreadyInBlock",
	ErrInvalidTxInBlock:                  "ErrInvalidTxInBlock",
	ErrTxEmpty:                           "ErrTxEmpty",
	ErrInvalidTransactionToSender:        "ErrInvalidTransactionToSender",
	ErrInvalidTransactionExtraDataTooBig: "ErrInvalidTransactionExtraDataTooBig",
	ErrOverflow:                          "ErrOverflow",
	ErrSmartContractTodo:                 "ErrSmartContractTodo",
	ErrBlockNotFound:                     "ErrBlockNotFound",
	ErrAccountNotFound:                   "ErrAccountNotFound",
	ErrInvalidNetwork:                    "ErrInvalidNetwork",
	ErrGenesisBlockMiner:                 "ErrGenesisBlockMiner",
	ErrInvalidGenesisHash:                "ErrInvalidGenesisHash",
}

// String returns the ErrorCode's constant name.
func (e ErrorCode) String() string {
	if s, ok := errorCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int(e))
}

// ConsensusError is returned by every consensus-rule check. None of these
// represent a storage failure or a bug; they are the expected outcome of
// rejecting an invalid block or transaction.
type ConsensusError struct {
	Code        ErrorCode
	Description string
}

func (e ConsensusError) Error() string {
	return e.Description
}

// New constructs a ConsensusError, mirroring the teacher's
// ruleError(code, text) constructor.
func New(code ErrorCode, format string, args ...interface{}) ConsensusError {
	return ConsensusError{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a ConsensusError with the given code, as in
// consensuserr.Is(err, consensuserr.ErrInvalidTips). err itself must be the
// ConsensusError; wrapped errors are not unwrapped.
func Is(err error, code ErrorCode) bool {
	ce, ok := err.(ConsensusError)
	return ok && ce.Code == code
}
