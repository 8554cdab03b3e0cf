package config

import "time"

// BIP-44 Derivation Paths
const (
	BIP44Purpose       = 44
	EVMCoinType        = 60 // m/44'/60'/0'/0/N, shared by every EVM chain
	UserAccount        = 0  // user deposit addresses
	GasTankAccount     = 1  // operator gas tank, m/44'/60'/1'/0/N
	MaxDerivationIndex = 1<<31 - 1
)

// Chain IDs
const (
	PolygonChainID  = 137
	BSCChainID      = 56
	EthereumChainID = 1
)

// Default RPC endpoints, overridable per chain.
const (
	PolygonRPCURL  = "https://polygon-rpc.com"
	BSCRPCURL      = "https://bsc-dataseed.binance.org"
	EthereumRPCURL = "https://ethereum-rpc.publicnode.com"
)

// Stablecoin contracts (Polygon PoS)
const (
	PolygonUSDTContract = "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"
	PolygonUSDCContract = "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
)

// Stablecoin contracts (BSC)
const (
	BSCUSDTContract = "0x55d398326f99059fF775485246999027B3197955"
	BSCUSDCContract = "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"
)

// Stablecoin contracts (Ethereum)
const (
	EthereumUSDTContract = "0xdAC17F958D2ee523a2206206994597C13D831ec7"
	EthereumUSDCContract = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

// ERC-20 method selectors.
const (
	ERC20TransferMethodID  = "a9059cbb" // transfer(address,uint256)
	ERC20BalanceOfMethodID = "70a08231" // balanceOf(address)
	ERC20DecimalsMethodID  = "313ce567" // decimals()
)

// ERC20TransferTopic is keccak256("Transfer(address,address,uint256)").
const ERC20TransferTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Transaction
const (
	NativeGasLimitTransfer    = 21_000
	ERC20GasLimitDefault      = 65_000
	ERC20GasLimitEthereum     = 100_000 // USDT on mainnet needs headroom
	GasPriceBufferNumerator   = 12      // 20% buffer over the node's suggestion
	GasPriceBufferDenominator = 10
	GasTopUpMarginNumerator   = 12
	GasTopUpMarginDenominator = 10
	ReceiptPollInterval       = 3 * time.Second
	ReceiptPollTimeout        = 3 * time.Minute
	NativeDecimals            = 18
)

// Startup recovery of sweep attempts
const (
	RecoverCheckTimeout = 15 * time.Second
	RecoverMaxAge       = 24 * time.Hour
)

// Sweep
const (
	DefaultSweepConcurrency = 8
	MaxSweepConcurrency     = 64
	DefaultMinSweepAmount   = "1"
)

// RPC
const (
	DefaultRPCTimeout         = 15 * time.Second
	DefaultRPCRetries         = 2
	DefaultRPCRateLimit       = 10 // requests per second per chain
	ExponentialBackoffBase    = 500 * time.Millisecond
	ExponentialBackoffMax     = 10 * time.Second
	CircuitBreakerThreshold   = 5
	CircuitBreakerCooldown    = 30 * time.Second
	CircuitBreakerHalfOpenMax = 1
	HealthWriteTimeout        = 2 * time.Second
)

// Deposits
const (
	DefaultDepositConfirmations = 12
	DepositLogBlockSpan         = 2_000 // max blocks per eth_getLogs call
	DepositAddressChunk         = 100   // max "to" topics per eth_getLogs call
	DefaultDepositCheckSchedule = "@every 1m"
)

// Ledger
const (
	DefaultLurisPerUSD   = "1"
	LedgerRequestTimeout = 10 * time.Second
	LedgerRetries        = 2
	LedgerCreditsPath    = "/v1/credits"
)

// Address cache
const (
	AddressCacheSize = 10_000
)

// Server
const (
	ServerPort           = 8080
	ServerReadTimeout    = 30 * time.Second
	ServerWriteTimeout   = 10 * time.Minute // batch sweeps are synchronous
	ServerIdleTimeout    = 2 * time.Minute
	ServerMaxHeaderBytes = 1 << 20
	ShutdownTimeout      = 5 * time.Minute
	APITimeout           = 30 * time.Second
	MaxRequestBodyBytes  = 1 << 16
)

// Logging
const (
	LogDir         = "./logs"
	LogFilePrefix  = "custody-"
	LogFilePattern = "custody-%s.log" // %s = YYYY-MM-DD
	LogMaxAgeDays  = 30
)

// Database
const (
	DBPath        = "./data/custody.sqlite"
	DBBusyTimeout = 5000 // milliseconds
)

// Price
const (
	CoinGeckoBaseURL   = "https://api.coingecko.com/api/v3"
	CoinGeckoIDs       = "tether,usd-coin,binancecoin,ethereum,polygon-ecosystem-token"
	PriceCacheDuration = 5 * time.Minute
	StablecoinPegUSD   = 1.0
)

// RPC health
const (
	ProviderStatusHealthy  = "healthy"
	ProviderStatusDegraded = "degraded"
	ProviderStatusDown     = "down"

	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)
