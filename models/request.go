package models

import (
	"time"
)

type RequestStatus string

const (
	RequestStatus_Pending   RequestStatus = "PENDING"
	RequestStatus_Accepted  RequestStatus = "ACCEPTED"
	RequestStatus_Rejected  RequestStatus = "REJECTED"
	RequestStatus_Completed RequestStatus = "COMPLETED"
)

// rank orders statuses along the only allowed path. REJECTED shares a rank with ACCEPTED since both are the single
// step out of PENDING.
func (s RequestStatus) rank() int {
	switch s {
	case RequestStatus_Pending:
		return 0
	case RequestStatus_Accepted, RequestStatus_Rejected:
		return 1
	case RequestStatus_Completed:
		return 2
	}
	return -1
}

func (s RequestStatus) Valid() bool {
	return s.rank() >= 0
}

func (s RequestStatus) IsTerminal() bool {
	return (s == RequestStatus_Rejected) || (s == RequestStatus_Completed)
}

// CanTransition reports whether a request may move from one status to another. Statuses never regress and terminal
// statuses are never left.
func CanTransition(from, to RequestStatus) bool {
	switch from {
	case RequestStatus_Pending:
		return (to == RequestStatus_Accepted) || (to == RequestStatus_Rejected)
	case RequestStatus_Accepted:
		return to == RequestStatus_Completed
	}
	return false
}

// Request is a pickup request from a customer to a collector.
type Request struct {
	Id          string        `dynamodbav:"id" json:"id"`
	CustomerId  string        `dynamodbav:"cus" json:"customerId"`
	CollectorId string        `dynamodbav:"col" json:"collectorId"`
	Status      RequestStatus `dynamodbav:"sts" json:"status"`
	// Written once, after the escrow job has been deployed on-chain
	EscrowContractAddress *string `dynamodbav:"adr,omitempty" json:"escrowContractAddress,omitempty"`
	// Transaction hashes are recorded as soon as they are known so that a divergence can be reconciled after a restart
	LinkTxHash    *string   `dynamodbav:"ltx,omitempty" json:"linkTxHash,omitempty"`
	ReleaseTxHash *string   `dynamodbav:"rtx,omitempty" json:"releaseTxHash,omitempty"`
	AmountWei     *string   `dynamodbav:"amt,omitempty" json:"amountWei,omitempty"`
	CreatedAt     time.Time `dynamodbav:"cat,unixtime" json:"createdAt"`
	UpdatedAt     time.Time `dynamodbav:"uat,unixtime" json:"updatedAt"`
}

func (r *Request) IsLinked() bool {
	return (r.EscrowContractAddress != nil) && (len(*r.EscrowContractAddress) > 0)
}

// LinkInFlight is true when a create-job transaction was broadcast but its escrow address has not been stored yet.
func (r *Request) LinkInFlight() bool {
	return !r.IsLinked() && (r.LinkTxHash != nil) && (len(*r.LinkTxHash) > 0)
}

func (r *Request) ReleaseInFlight() bool {
	return (r.Status == RequestStatus_Accepted) && (r.ReleaseTxHash != nil) && (len(*r.ReleaseTxHash) > 0)
}

// NeedsReconciliation is true when the stored record might lag behind the chain.
func (r *Request) NeedsReconciliation() bool {
	return r.LinkInFlight() || ((r.Status == RequestStatus_Accepted) && r.IsLinked())
}

type TxKind string

const (
	TxKind_Link    TxKind = "link"
	TxKind_Release TxKind = "release"
)

type EscrowLinkResult struct {
	Request         *Request `json:"request"`
	TxHash          string   `json:"txHash"`
	ContractAddress string   `json:"contractAddress"`
}
