package adapters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"neftvault/native/collectibles"
	"neftvault/services/lifecycled/chains"
	"neftvault/services/lifecycled/ledger"
)

var (
	stakeSelector        = gethcrypto.Keccak256([]byte("stake(uint256[])"))[:4]
	withdrawSelector     = gethcrypto.Keccak256([]byte("withdraw(uint256[])"))[:4]
	burnSelector         = gethcrypto.Keccak256([]byte("burn(uint256[])"))[:4]
	claimSelector        = gethcrypto.Keccak256([]byte("claimTo(address,string)"))[:4]
	stakedTokensSelector = gethcrypto.Keccak256([]byte("getStakedTokens(address)"))[:4]
	ownerOfSelector      = gethcrypto.Keccak256([]byte("ownerOf(uint256)"))[:4]

	transferEventSignature = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

// TxSender submits signed calldata to the chain. Wallet and signing mechanics
// live behind this boundary; the adapter only builds calldata.
type TxSender interface {
	SendTx(ctx context.Context, chainID uint64, to common.Address, data []byte) (common.Hash, error)
}

// FuncSender adapts a callback to the TxSender interface.
type FuncSender func(ctx context.Context, chainID uint64, to common.Address, data []byte) (common.Hash, error)

func (f FuncSender) SendTx(ctx context.Context, chainID uint64, to common.Address, data []byte) (common.Hash, error) {
	if f == nil {
		return common.Hash{}, fmt.Errorf("adapters: tx sender not configured")
	}
	return f(ctx, chainID, to, data)
}

// EVMClient is the subset of the Ethereum RPC the adapter needs.
type EVMClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NetworkSource yields the active network and resolves registered networks by
// chain ID; *chains.Registry satisfies it.
type NetworkSource interface {
	Current() chains.Network
	Get(chainID uint64) (chains.Network, bool)
}

// EVM implements ledger.ChainLedger over an Ethereum-compatible RPC.
// Submissions target the registry's active network; reconciliation reads are
// pinned to an explicit chain ID.
type EVM struct {
	networks      NetworkSource
	sender        TxSender
	confirmations uint64
	limiter       *rate.Limiter
	logger        *slog.Logger

	mu      sync.Mutex
	clients map[uint64]EVMClient
	dial    func(rpcURL string) (EVMClient, error)
}

var _ ledger.ChainLedger = (*EVM)(nil)

// EVMOption customises the adapter.
type EVMOption func(*EVM)

// WithConfirmations sets the confirmation depth required by VerifyTx.
func WithConfirmations(n uint64) EVMOption {
	return func(e *EVM) { e.confirmations = n }
}

// WithVerifyRate bounds how often VerifyTx may hit the RPC.
func WithVerifyRate(limit rate.Limit, burst int) EVMOption {
	return func(e *EVM) { e.limiter = rate.NewLimiter(limit, burst) }
}

// WithDialer overrides RPC client construction, for tests.
func WithDialer(dial func(rpcURL string) (EVMClient, error)) EVMOption {
	return func(e *EVM) { e.dial = dial }
}

// WithEVMLogger sets the adapter logger.
func WithEVMLogger(logger *slog.Logger) EVMOption {
	return func(e *EVM) { e.logger = logger }
}

// NewEVM constructs the on-chain adapter.
func NewEVM(networks NetworkSource, sender TxSender, opts ...EVMOption) *EVM {
	e := &EVM{
		networks:      networks,
		sender:        sender,
		confirmations: 1,
		limiter:       rate.NewLimiter(rate.Limit(4), 8),
		logger:        slog.Default(),
		clients:       make(map[uint64]EVMClient),
		dial: func(rpcURL string) (EVMClient, error) {
			return ethclient.Dial(rpcURL)
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// resolveNetwork maps a chain ID to its registered network. Zero selects the
// active network so callers without a pinned chain keep working.
func (e *EVM) resolveNetwork(chainID uint64) (chains.Network, error) {
	if chainID == 0 {
		return e.networks.Current(), nil
	}
	n, ok := e.networks.Get(chainID)
	if !ok {
		return chains.Network{}, fmt.Errorf("adapters: unknown chain id %d", chainID)
	}
	return n, nil
}

func (e *EVM) client(n chains.Network) (EVMClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[n.ChainID]; ok {
		return c, nil
	}
	if strings.TrimSpace(n.RPCURL) == "" {
		return nil, fmt.Errorf("adapters: network %s missing rpc url", n.Key)
	}
	c, err := e.dial(n.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("adapters: dial %s: %w", n.Key, err)
	}
	e.clients[n.ChainID] = c
	return c, nil
}

func (e *EVM) submit(ctx context.Context, contract string, data []byte) (ledger.TxSubmission, error) {
	network := e.networks.Current()
	to := strings.TrimSpace(contract)
	if to == "" {
		return ledger.TxSubmission{}, fmt.Errorf("adapters: network %s has no contract for this operation", network.Key)
	}
	hash, err := e.sender.SendTx(ctx, network.ChainID, common.HexToAddress(to), data)
	if err != nil {
		return ledger.TxSubmission{}, fmt.Errorf("%w: %v", ledger.ErrTxRejected, err)
	}
	e.logger.Info("transaction submitted", "network", network.Key, "contract", to, "tx", hash.Hex())
	return ledger.TxSubmission{Hash: hash.Hex(), Accepted: true}, nil
}

// SubmitStakeTx stakes one token on the active network's staking contract.
func (e *EVM) SubmitStakeTx(ctx context.Context, account string, asset collectibles.Asset) (ledger.TxSubmission, error) {
	tokenID, err := parseTokenID(asset.Chain.TokenID)
	if err != nil {
		return ledger.TxSubmission{}, err
	}
	data := append(append([]byte{}, stakeSelector...), encodeUint256Slice([]*big.Int{tokenID})...)
	return e.submit(ctx, e.networks.Current().StakeContract, data)
}

// SubmitUnstakeTx withdraws one token from the staking contract.
func (e *EVM) SubmitUnstakeTx(ctx context.Context, account string, asset collectibles.Asset) (ledger.TxSubmission, error) {
	tokenID, err := parseTokenID(asset.Chain.TokenID)
	if err != nil {
		return ledger.TxSubmission{}, err
	}
	data := append(append([]byte{}, withdrawSelector...), encodeUint256Slice([]*big.Int{tokenID})...)
	return e.submit(ctx, e.networks.Current().StakeContract, data)
}

// SubmitBurnTx burns the whole batch in a single transaction.
func (e *EVM) SubmitBurnTx(ctx context.Context, account string, assets []collectibles.Asset) (ledger.TxSubmission, error) {
	tokens := make([]*big.Int, 0, len(assets))
	for _, a := range assets {
		tokenID, err := parseTokenID(a.Chain.TokenID)
		if err != nil {
			return ledger.TxSubmission{}, err
		}
		tokens = append(tokens, tokenID)
	}
	data := append(append([]byte{}, burnSelector...), encodeUint256Slice(tokens)...)
	return e.submit(ctx, e.networks.Current().NFTContract, data)
}

// SubmitClaimTx mints the off-chain asset to the account on the active
// network. The asset ID doubles as the content reference passed to the
// contract.
func (e *EVM) SubmitClaimTx(ctx context.Context, account string, asset collectibles.Asset) (ledger.TxSubmission, error) {
	data := append(append([]byte{}, claimSelector...), encodeAddressString(common.HexToAddress(account), asset.ID)...)
	return e.submit(ctx, e.networks.Current().NFTContract, data)
}

// VerifyTx reports ground truth for a transaction hash. An unmined
// transaction is not an error. Receipt decode failures are classified as
// ledger.ErrAmbiguousReceipt so the orchestrator can apply its verification
// policy.
func (e *EVM) VerifyTx(ctx context.Context, txHash string) (ledger.TxStatus, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return ledger.TxStatus{}, err
	}
	network := e.networks.Current()
	client, err := e.client(network)
	if err != nil {
		return ledger.TxStatus{}, err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ledger.TxStatus{}, nil
		}
		return ledger.TxStatus{}, classifyReceiptError(err)
	}
	if receipt == nil {
		return ledger.TxStatus{}, fmt.Errorf("%w: empty receipt for %s", ledger.ErrAmbiguousReceipt, txHash)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return ledger.TxStatus{Mined: true, Success: false}, nil
	}
	if e.confirmations > 0 {
		header, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return ledger.TxStatus{}, fmt.Errorf("adapters: fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return ledger.TxStatus{}, fmt.Errorf("%w: block metadata unavailable", ledger.ErrAmbiguousReceipt)
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(e.confirmations)) < 0 {
			return ledger.TxStatus{}, nil
		}
	}
	return ledger.TxStatus{Mined: true, Success: true}, nil
}

// ClaimedTokenID extracts the minted token ID from the claim transaction's
// Transfer log.
func (e *EVM) ClaimedTokenID(ctx context.Context, txHash string) (string, error) {
	network := e.networks.Current()
	client, err := e.client(network)
	if err != nil {
		return "", err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", classifyReceiptError(err)
	}
	contract := common.HexToAddress(network.NFTContract)
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		if len(log.Topics) < 4 || log.Topics[0] != transferEventSignature {
			continue
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) != (common.Address{}) {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[3].Bytes()).String(), nil
	}
	return "", fmt.Errorf("%w: no mint transfer in %s", ledger.ErrAmbiguousReceipt, txHash)
}

// StakedAssets reads the staked token set for an account from the staking
// contract on the chain identified by chainID.
func (e *EVM) StakedAssets(ctx context.Context, account string, chainID uint64) ([]string, error) {
	network, err := e.resolveNetwork(chainID)
	if err != nil {
		return nil, err
	}
	client, err := e.client(network)
	if err != nil {
		return nil, err
	}
	contract := common.HexToAddress(network.StakeContract)
	data := append(append([]byte{}, stakedTokensSelector...), common.LeftPadBytes(common.HexToAddress(account).Bytes(), 32)...)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("adapters: staked tokens call: %w", err)
	}
	tokens, err := decodeUint256Slice(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrAmbiguousReceipt, err)
	}
	ids := make([]string, 0, len(tokens))
	for _, t := range tokens {
		ids = append(ids, t.String())
	}
	return ids, nil
}

// Owns reports whether the account currently owns the token on the chain
// identified by chainID.
func (e *EVM) Owns(ctx context.Context, account, tokenID string, chainID uint64) (bool, error) {
	network, err := e.resolveNetwork(chainID)
	if err != nil {
		return false, err
	}
	client, err := e.client(network)
	if err != nil {
		return false, err
	}
	token, err := parseTokenID(tokenID)
	if err != nil {
		return false, err
	}
	contract := common.HexToAddress(network.NFTContract)
	data := append(append([]byte{}, ownerOfSelector...), common.LeftPadBytes(token.Bytes(), 32)...)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("adapters: ownerOf call: %w", err)
	}
	if len(out) < 32 {
		return false, fmt.Errorf("%w: short ownerOf response", ledger.ErrAmbiguousReceipt)
	}
	owner := common.BytesToAddress(out[12:32])
	return owner == common.HexToAddress(account), nil
}

// ambiguousMarkers match the receipt decode failure modes observed in
// production RPC providers; anything matching is likely a landed transaction
// with an unreadable receipt.
var ambiguousMarkers = []string{
	"could not decode",
	"parameter decoding error",
	"abi decoding",
	"cannot unmarshal",
	"invalid character",
}

func classifyReceiptError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, marker := range ambiguousMarkers {
		if strings.Contains(msg, marker) {
			return fmt.Errorf("%w: %v", ledger.ErrAmbiguousReceipt, err)
		}
	}
	return fmt.Errorf("adapters: fetch receipt: %w", err)
}

func parseTokenID(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("adapters: token id required")
	}
	token, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("adapters: invalid token id %q", raw)
	}
	return token, nil
}

// encodeUint256Slice ABI-encodes a single dynamic uint256[] argument.
func encodeUint256Slice(values []*big.Int) []byte {
	out := make([]byte, 0, 64+32*len(values))
	out = append(out, common.LeftPadBytes(big.NewInt(32).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(values))).Bytes(), 32)...)
	for _, v := range values {
		out = append(out, common.LeftPadBytes(v.Bytes(), 32)...)
	}
	return out
}

// encodeAddressString ABI-encodes (address, string) arguments.
func encodeAddressString(addr common.Address, s string) []byte {
	payload := []byte(s)
	padded := common.RightPadBytes(payload, (len(payload)+31)/32*32)
	out := make([]byte, 0, 96+len(padded))
	out = append(out, common.LeftPadBytes(addr.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(64).Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(big.NewInt(int64(len(payload))).Bytes(), 32)...)
	out = append(out, padded...)
	return out
}

// decodeUint256Slice decodes a returned dynamic uint256[].
func decodeUint256Slice(data []byte) ([]*big.Int, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("short response (%d bytes)", len(data))
	}
	// Compare against the remaining byte count instead of computing
	// offset+32+length*32, which a hostile length word can wrap past the
	// end of a uint64.
	offset := new(big.Int).SetBytes(data[:32]).Uint64()
	if offset > uint64(len(data))-32 {
		return nil, fmt.Errorf("offset out of range")
	}
	length := new(big.Int).SetBytes(data[offset : offset+32]).Uint64()
	if length > (uint64(len(data))-offset-32)/32 {
		return nil, fmt.Errorf("truncated array body")
	}
	values := make([]*big.Int, 0, length)
	for i := uint64(0); i < length; i++ {
		start := offset + 32 + i*32
		values = append(values, new(big.Int).SetBytes(data[start:start+32]))
	}
	return values, nil
}
