package models

import "time"

const DefaultHttpWaitTime = 30 * time.Second

const DefaultConfirmationTimeout = 3 * time.Minute
const DefaultReceiptPollInterval = 2 * time.Second
const DefaultChainRateLimit = 16

const DefaultReconcileTick = 30 * time.Second
const DefaultReconcileGrace = 10 * time.Minute
const DbLoadLimit = 100

const DefaultHttpPort = 3000
