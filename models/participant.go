package models

import "time"

type Role string

const (
	Role_Customer  Role = "Customer"
	Role_Collector Role = "Ragpicker"
)

type Participant struct {
	Id            string
	Role          Role
	WalletAddress *string
}

type Review struct {
	Id          string    `json:"id"`
	RequestId   string    `json:"requestId" validate:"required"`
	CustomerId  string    `json:"customerId" validate:"required"`
	CollectorId string    `json:"collectorId" validate:"required"`
	Rating      float64   `json:"rating" validate:"min=1,max=5"`
	Text        *string   `json:"review,omitempty" validate:"omitempty,max=2000"`
	CreatedAt   time.Time `json:"createdAt"`
}
