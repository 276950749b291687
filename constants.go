package pickup

const (
	Env_AwsEndpoint   = "AWS_ENDPOINT"
	Env_AwsRegion     = "AWS_REGION"
	Env_DbAwsEndpoint = "DB_AWS_ENDPOINT"
	Env_Env           = "ENV"
	Env_LogLevel      = "LOG_LEVEL"
	Env_RequestStore  = "REQUEST_STORE"
	Env_RecordApiUrl  = "RECORD_API_URL"
	Env_HttpPort      = "API_HTTP_PORT"
	Env_AuditBucket   = "AUDIT_BUCKET"
	Env_OperatorToken = "OPERATOR_TOKEN"
)

const (
	Env_ChainRpcUrl         = "CHAIN_RPC_URL"
	Env_ChainPrivateKey     = "CHAIN_PRIVATE_KEY"
	Env_JobFactoryAddress   = "JOB_FACTORY_ADDRESS"
	Env_ChainRateLimit      = "CHAIN_RATE_LIMIT"
	Env_ConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	Env_ReceiptPollInterval = "RECEIPT_POLL_INTERVAL"
)

const (
	Env_ReconcileTick  = "RECONCILE_TICK"
	Env_ReconcileGrace = "RECONCILE_GRACE"
	Env_MetricsBackend = "METRICS_BACKEND"
)

const (
	RequestStore_Ddb      = "ddb"
	RequestStore_Postgres = "postgres"
	RequestStore_Api      = "api"
)

const (
	MetricsBackend_Otel       = "otel"
	MetricsBackend_Prometheus = "prometheus"
)

const (
	EnvTag_Dev  = "dev"
	EnvTag_Qa   = "qa"
	EnvTag_Tnet = "tnet"
	EnvTag_Prod = "prod"
)
