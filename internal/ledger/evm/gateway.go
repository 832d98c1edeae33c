// Package evm implements domain.LedgerGateway against a Uniswap-v3-style
// NonfungiblePositionManager on an EVM chain.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/clmmbot/internal/crypto"
	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.TransactionSender
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config describes the pool and chain the gateway trades on.
type Config struct {
	RPCURL          string
	ChainID         int64 // 0 asks the node
	PositionManager string
	AssetA          string // token address quoted as the base asset
	AssetB          string
	Fee             uint32 // pool fee tier in hundredths of a bip
	TickSpacing     int
	TxDeadline      time.Duration
	GasBufferPct    int
	ReceiptPoll     time.Duration
}

// Gateway signs and sends position transactions from a single wallet.
type Gateway struct {
	backend Backend
	closer  func()
	wallet  *crypto.Wallet
	chainID *big.Int
	manager common.Address
	assetA  common.Address
	assetB  common.Address
	token0  common.Address
	token1  common.Address
	pair    pair
	fee     *big.Int
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	txMu sync.Mutex // one in-flight transaction per wallet keeps nonces ordered

	decMu    sync.Mutex
	decimals map[common.Address]int
}

// Dial connects to cfg.RPCURL and builds a Gateway. Close releases the
// connection.
func Dial(ctx context.Context, cfg Config, wallet *crypto.Wallet, logger *slog.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", cfg.RPCURL, err)
	}
	g, err := New(ctx, client, cfg, wallet, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	g.closer = client.Close
	return g, nil
}

// New builds a Gateway over an existing backend. It resolves the chain id
// and token decimals up front so a misconfigured pool fails at startup.
func New(ctx context.Context, backend Backend, cfg Config, wallet *crypto.Wallet, logger *slog.Logger) (*Gateway, error) {
	for name, addr := range map[string]string{
		"position manager": cfg.PositionManager,
		"asset a":          cfg.AssetA,
		"asset b":          cfg.AssetB,
	} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("evm: %w: %s address %q", domain.ErrInvalidInput, name, addr)
		}
	}
	if wallet == nil {
		return nil, fmt.Errorf("evm: %w: wallet is required", domain.ErrInvalidInput)
	}
	if cfg.TxDeadline <= 0 {
		cfg.TxDeadline = 5 * time.Minute
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = 2 * time.Second
	}
	if cfg.GasBufferPct < 0 {
		cfg.GasBufferPct = 0
	}

	g := &Gateway{
		backend:  backend,
		wallet:   wallet,
		manager:  common.HexToAddress(cfg.PositionManager),
		assetA:   common.HexToAddress(cfg.AssetA),
		assetB:   common.HexToAddress(cfg.AssetB),
		fee:      new(big.Int).SetUint64(uint64(cfg.Fee)),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "evm_ledger")),
		now:      time.Now,
		decimals: make(map[common.Address]int),
	}
	if g.assetA == g.assetB {
		return nil, fmt.Errorf("evm: %w: asset a and b are the same token", domain.ErrInvalidInput)
	}

	if cfg.ChainID > 0 {
		g.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("evm: chain id: %w", err)
		}
		g.chainID = id
	}

	g.token0, g.token1 = g.assetA, g.assetB
	inverted := strings.ToLower(g.assetA.Hex()) > strings.ToLower(g.assetB.Hex())
	if inverted {
		g.token0, g.token1 = g.assetB, g.assetA
	}
	dec0, err := g.tokenDecimals(ctx, g.token0)
	if err != nil {
		return nil, err
	}
	dec1, err := g.tokenDecimals(ctx, g.token1)
	if err != nil {
		return nil, err
	}
	g.pair = pair{decimals0: dec0, decimals1: dec1, inverted: inverted, tickSpacing: cfg.TickSpacing}

	g.logger.InfoContext(ctx, "evm ledger ready",
		slog.String("wallet", wallet.Address().Hex()),
		slog.String("chain_id", g.chainID.String()),
		slog.String("position_manager", g.manager.Hex()),
		slog.Bool("inverted", inverted),
	)
	return g, nil
}

// Close releases the RPC connection when the gateway dialled it.
func (g *Gateway) Close() {
	if g.closer != nil {
		g.closer()
	}
}

// GetBalance implements domain.LedgerGateway.
func (g *Gateway) GetBalance(ctx context.Context, assetID string) (float64, error) {
	token, err := parseAsset(assetID)
	if err != nil {
		return 0, ledgerErr("get balance", err)
	}
	dec, err := g.tokenDecimals(ctx, token)
	if err != nil {
		return 0, ledgerErr("get balance", err)
	}

	var raw *big.Int
	if err := g.call(ctx, token, erc20ABI, &raw, "balanceOf", g.wallet.Address()); err != nil {
		return 0, ledgerErr("get balance", err)
	}
	return fromRaw(raw, dec), nil
}

// CreateAccount implements domain.LedgerGateway. On an EVM chain any address
// can hold any token, so the only setup is letting the position manager pull
// the token: an unlimited approval, sent only when the allowance is low.
func (g *Gateway) CreateAccount(ctx context.Context, assetID string) (string, error) {
	token, err := parseAsset(assetID)
	if err != nil {
		return "", ledgerErr("create account", err)
	}

	var allowance *big.Int
	if err := g.call(ctx, token, erc20ABI, &allowance, "allowance", g.wallet.Address(), g.manager); err != nil {
		return "", ledgerErr("create account", err)
	}
	if allowance.Cmp(new(big.Int).Rsh(maxUint256, 1)) >= 0 {
		return token.Hex(), nil
	}

	data, err := erc20ABI.Pack("approve", g.manager, maxUint256)
	if err != nil {
		return "", ledgerErr("create account", err)
	}
	if _, err := g.transact(ctx, token, data); err != nil {
		return "", ledgerErr("create account", err)
	}
	g.logger.InfoContext(ctx, "token approved for position manager", slog.String("token", token.Hex()))
	return token.Hex(), nil
}

// AlignRange implements domain.RangeAligner. It returns the band OpenPosition
// actually mints for [lower, upper] once both ends snap to the tick spacing.
func (g *Gateway) AlignRange(lower, upper float64) (float64, float64, error) {
	lo, hi, err := g.pair.band(lower, upper)
	if err != nil {
		return 0, 0, ledgerErr("align range", err)
	}
	return lo, hi, nil
}

// OpenPosition implements domain.LedgerGateway. The returned handle is the
// decimal NFT token id.
func (g *Gateway) OpenPosition(ctx context.Context, lower, upper, amountA, amountB float64) (string, error) {
	tickLower, tickUpper, err := g.pair.ticks(lower, upper)
	if err != nil {
		return "", ledgerErr("open position", err)
	}
	amount0, amount1 := g.pair.order(amountA, amountB)

	params := mintParams{
		Token0:         g.token0,
		Token1:         g.token1,
		Fee:            g.fee,
		TickLower:      big.NewInt(int64(tickLower)),
		TickUpper:      big.NewInt(int64(tickUpper)),
		Amount0Desired: toRaw(amount0, g.pair.decimals0),
		Amount1Desired: toRaw(amount1, g.pair.decimals1),
		Amount0Min:     new(big.Int),
		Amount1Min:     new(big.Int),
		Recipient:      g.wallet.Address(),
		Deadline:       g.deadline(),
	}
	data, err := positionManagerABI.Pack("mint", params)
	if err != nil {
		return "", ledgerErr("open position", fmt.Errorf("pack mint: %w", err))
	}

	receipt, err := g.transact(ctx, g.manager, data)
	if err != nil {
		return "", ledgerErr("open position", err)
	}
	tokenID, err := g.mintedTokenID(receipt)
	if err != nil {
		return "", ledgerErr("open position", err)
	}

	g.logger.InfoContext(ctx, "position minted",
		slog.String("token_id", tokenID.String()),
		slog.Int("tick_lower", tickLower),
		slog.Int("tick_upper", tickUpper),
		slog.String("tx", receipt.TxHash.Hex()),
	)
	return tokenID.String(), nil
}

// WithdrawPosition implements domain.LedgerGateway. It removes all liquidity,
// collects the tokens and fees, and burns the NFT in one multicall. An id the
// manager does not know returns false.
func (g *Gateway) WithdrawPosition(ctx context.Context, handle string) (bool, error) {
	tokenID, ok := new(big.Int).SetString(strings.TrimSpace(handle), 10)
	if !ok || tokenID.Sign() <= 0 {
		return false, ledgerErr("withdraw position", fmt.Errorf("%w: handle %q is not a token id", domain.ErrInvalidInput, handle))
	}

	out, err := g.callRaw(ctx, g.manager, positionManagerABI, "positions", tokenID)
	if err != nil {
		if isInvalidToken(err) {
			g.logger.WarnContext(ctx, "position manager does not know token", slog.String("token_id", handle))
			return false, nil
		}
		return false, ledgerErr("withdraw position", err)
	}
	liquidity, ok := out[7].(*big.Int)
	if !ok {
		return false, ledgerErr("withdraw position", errors.New("unexpected positions() output"))
	}

	var calls [][]byte
	if liquidity.Sign() > 0 {
		dec, err := positionManagerABI.Pack("decreaseLiquidity", decreaseLiquidityParams{
			TokenId:    tokenID,
			Liquidity:  liquidity,
			Amount0Min: new(big.Int),
			Amount1Min: new(big.Int),
			Deadline:   g.deadline(),
		})
		if err != nil {
			return false, ledgerErr("withdraw position", err)
		}
		calls = append(calls, dec)
	}
	collect, err := positionManagerABI.Pack("collect", collectParams{
		TokenId:    tokenID,
		Recipient:  g.wallet.Address(),
		Amount0Max: maxUint128,
		Amount1Max: maxUint128,
	})
	if err != nil {
		return false, ledgerErr("withdraw position", err)
	}
	burn, err := positionManagerABI.Pack("burn", tokenID)
	if err != nil {
		return false, ledgerErr("withdraw position", err)
	}
	calls = append(calls, collect, burn)

	data, err := positionManagerABI.Pack("multicall", calls)
	if err != nil {
		return false, ledgerErr("withdraw position", err)
	}
	receipt, err := g.transact(ctx, g.manager, data)
	if err != nil {
		return false, ledgerErr("withdraw position", err)
	}

	g.logger.InfoContext(ctx, "position burned",
		slog.String("token_id", handle),
		slog.String("liquidity", liquidity.String()),
		slog.String("tx", receipt.TxHash.Hex()),
	)
	return true, nil
}

func (g *Gateway) tokenDecimals(ctx context.Context, token common.Address) (int, error) {
	g.decMu.Lock()
	if d, ok := g.decimals[token]; ok {
		g.decMu.Unlock()
		return d, nil
	}
	g.decMu.Unlock()

	var d uint8
	if err := g.call(ctx, token, erc20ABI, &d, "decimals"); err != nil {
		return 0, fmt.Errorf("evm: decimals of %s: %w", token.Hex(), err)
	}

	g.decMu.Lock()
	g.decimals[token] = int(d)
	g.decMu.Unlock()
	return int(d), nil
}

// call runs a view method and unpacks its single return value into out.
func (g *Gateway) call(ctx context.Context, to common.Address, contract abiPacker, out any, method string, args ...any) error {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := g.backend.CallContract(ctx, ethereum.CallMsg{From: g.wallet.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}
	if err := contract.UnpackIntoInterface(out, method, res); err != nil {
		return fmt.Errorf("unpack %s: %w", method, err)
	}
	return nil
}

func (g *Gateway) callRaw(ctx context.Context, to common.Address, contract abiPacker, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := g.backend.CallContract(ctx, ethereum.CallMsg{From: g.wallet.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// transact signs and sends a legacy transaction, then waits for its receipt.
// A reverted transaction is an error.
func (g *Gateway) transact(ctx context.Context, to common.Address, data []byte) (*types.Receipt, error) {
	g.txMu.Lock()
	defer g.txMu.Unlock()

	from := g.wallet.Address()
	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := g.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * uint64(g.cfg.GasBufferPct) / 100

	tx, err := g.wallet.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	}), g.chainID)
	if err != nil {
		return nil, err
	}
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	g.logger.DebugContext(ctx, "transaction sent",
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)

	receipt, err := g.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (g *Gateway) mintedTokenID(receipt *types.Receipt) (*big.Int, error) {
	for _, l := range receipt.Logs {
		if l.Address != g.manager || len(l.Topics) != 4 || l.Topics[0] != transferTopic {
			continue
		}
		if l.Topics[1] != (common.Hash{}) {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[3].Bytes()), nil
	}
	return nil, fmt.Errorf("no mint event in tx %s", receipt.TxHash.Hex())
}

func (g *Gateway) deadline() *big.Int {
	return big.NewInt(g.now().Add(g.cfg.TxDeadline).Unix())
}

type abiPacker interface {
	Pack(name string, args ...any) ([]byte, error)
	Unpack(name string, data []byte) ([]any, error)
	UnpackIntoInterface(v any, name string, data []byte) error
}

func parseAsset(assetID string) (common.Address, error) {
	if !common.IsHexAddress(assetID) {
		return common.Address{}, fmt.Errorf("%w: asset %q is not a token address", domain.ErrInvalidInput, assetID)
	}
	return common.HexToAddress(assetID), nil
}

func isInvalidToken(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "invalid token id")
}

func toRaw(amount float64, decimals int) *big.Int {
	return decimal.NewFromFloat(amount).Shift(int32(decimals)).Truncate(0).BigInt()
}

func fromRaw(raw *big.Int, decimals int) float64 {
	return decimal.NewFromBigInt(raw, -int32(decimals)).InexactFloat64()
}

func ledgerErr(op string, err error) error {
	return fmt.Errorf("evm: %s: %w: %w", op, domain.ErrLedgerOperationFailed, err)
}
