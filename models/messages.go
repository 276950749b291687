package models

// ReconcileMessage asks for a request's stored state to be repaired from chain truth. TxHash is only needed when the
// link transaction hash never made it into the store.
type ReconcileMessage struct {
	RequestId string  `json:"rid" validate:"required"`
	TxHash    *string `json:"txh,omitempty" validate:"omitempty,len=66,hexadecimal"`
}
