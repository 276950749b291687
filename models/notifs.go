package models

const AlertTitle = "Pickup Escrow Alert"

const (
	AlertDesc_DeadLetterQueue = "Dead Letter Queue"
	AlertDesc_Divergence      = "Chain/Store Divergence"
)

const (
	AlertFmt_DeadLetterQueue string = "%s:\n%s"
	AlertFmt_Divergence      string = "request=%s, tx=%s:\n%v"
)
