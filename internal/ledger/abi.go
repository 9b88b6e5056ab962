package ledger

// venueABI covers the venue contract surface the core consumes: order and
// market reads plus the two-step settlement write path.
const venueABI = `[
  {
    "name": "getOrder",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "orderHash", "type": "bytes32"}],
    "outputs": [{
      "name": "order",
      "type": "tuple",
      "components": [
        {"name": "orderHash", "type": "bytes32"},
        {"name": "market", "type": "string"},
        {"name": "trader", "type": "address"},
        {"name": "side", "type": "uint8"},
        {"name": "price", "type": "uint256"},
        {"name": "quantity", "type": "uint256"},
        {"name": "filled", "type": "uint256"},
        {"name": "createdAt", "type": "uint256"}
      ]
    }]
  },
  {
    "name": "getActiveOrders",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      {"name": "marketId", "type": "bytes32"},
      {"name": "side", "type": "uint8"}
    ],
    "outputs": [{
      "name": "orders",
      "type": "tuple[]",
      "components": [
        {"name": "orderHash", "type": "bytes32"},
        {"name": "market", "type": "string"},
        {"name": "trader", "type": "address"},
        {"name": "side", "type": "uint8"},
        {"name": "price", "type": "uint256"},
        {"name": "quantity", "type": "uint256"},
        {"name": "filled", "type": "uint256"},
        {"name": "createdAt", "type": "uint256"}
      ]
    }]
  },
  {
    "name": "getMarketStats",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{"name": "marketId", "type": "bytes32"}],
    "outputs": [
      {"name": "lastPrice", "type": "uint256"},
      {"name": "bestBid", "type": "uint256"},
      {"name": "bestAsk", "type": "uint256"}
    ]
  },
  {
    "name": "lockFunds",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "traders", "type": "address[]"},
      {"name": "amounts", "type": "uint256[]"}
    ],
    "outputs": []
  },
  {
    "name": "settleTrades",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "batchId", "type": "bytes32"},
      {"name": "from", "type": "address[]"},
      {"name": "to", "type": "address[]"},
      {"name": "amounts", "type": "uint256[]"}
    ],
    "outputs": []
  }
]`
