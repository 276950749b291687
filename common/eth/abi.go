package eth

// JobFactoryABI covers the factory that deploys one escrow job per pickup request. All JobCreated fields are
// unindexed, so they are carried in the log data.
const JobFactoryABI = `[
  {
    "inputs": [{"internalType": "address", "name": "picker", "type": "address"}],
    "name": "createJob",
    "outputs": [],
    "stateMutability": "payable",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "address", "name": "contractAddress", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "user", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "picker", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"}
    ],
    "name": "JobCreated",
    "type": "event"
  }
]`

// RagJobABI covers the per-request escrow job
const RagJobABI = `[
  {
    "inputs": [],
    "name": "confirmCompletion",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [],
    "name": "isCompleted",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  }
]`

const (
	method_CreateJob         = "createJob"
	method_ConfirmCompletion = "confirmCompletion"
	method_IsCompleted       = "isCompleted"
)
