package db

import (
	"context"

	"github.com/wastewhirl/go-pickup/models"
)

type unreconciledCounter interface {
	CountUnreconciled(ctx context.Context) (int, error)
}

type monitor struct {
	requestDb unreconciledCounter
}

func NewDbMonitor(requestDb unreconciledCounter) models.ResourceMonitor {
	return &monitor{requestDb}
}

func (m monitor) GetValue(ctx context.Context) (int, error) {
	return m.requestDb.CountUnreconciled(ctx)
}
