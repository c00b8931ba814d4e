// Package chain is the EVM collaborator: it dials the RPC node, binds the
// score contract, and exposes the nonce/fee/gas/send/receipt operations the
// Batch Dispatcher needs (spec §4.4, contract interface in spec §6).
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
)

// contractABI describes the single method and role-check this middleware
// calls on the score contract (spec §6 Contract interface).
const contractABI = `[
	{"type":"function","name":"updatePlayerData","stateMutability":"nonpayable",
	 "inputs":[{"name":"player","type":"address"},{"name":"scoreAmount","type":"uint256"},{"name":"transactionAmount","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"hasRole","stateMutability":"view",
	 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"GAME_ROLE","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

// FallbackGasLimit is used when gas estimation fails (spec §4.4 step 4b).
const FallbackGasLimit = uint64(120_000)

// transactionAmount is always 1 per spec §6.
var transactionAmount = big.NewInt(1)

// FeeData captures either EIP-1559 fee fields or a legacy gas price.
type FeeData struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasPrice             *big.Int // legacy fallback
}

// Config configures the chain client (spec §6 Configuration).
type Config struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress common.Address
}

// Client wraps an ethclient.Client bound to the score contract and the
// signer's private key.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	key      *ecdsa.PrivateKey
	signer   common.Address
	chainID  *big.Int
	log      log.Logger
}

// Dial connects to the RPC node, loads the chain id, and binds the contract.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parsing contract abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing signer private key: %w", err)
	}
	signer := crypto.PubkeyToAddress(key.PublicKey)

	ethc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dialing rpc %s: %w", cfg.RPCURL, err)
	}

	chainID, err := ethc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}

	bc := bind.NewBoundContract(cfg.ContractAddress, parsedABI, ethc, ethc, ethc)

	return &Client{
		eth:      ethc,
		contract: bc,
		abi:      parsedABI,
		address:  cfg.ContractAddress,
		key:      key,
		signer:   signer,
		chainID:  chainID,
		log:      log.New("component", "chain"),
	}, nil
}

// SignerAddress is the address that signs and sends every transaction.
func (c *Client) SignerAddress() common.Address { return c.signer }

// ContractAddress is the score contract every transaction is sent to.
func (c *Client) ContractAddress() common.Address { return c.address }

// ChainID is the network id reported at boot (spec §4.8 /health).
func (c *Client) ChainID() *big.Int { return c.chainID }

// BlockNumber is the latest block number, used by /health.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// CheckRole reads GAME_ROLE and then hasRole(GAME_ROLE, signer), logging the
// result at boot. Lacking the role is a warning, not a hard error (spec §6).
func (c *Client) CheckRole(ctx context.Context) {
	var role [32]byte
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &role, "GAME_ROLE"); err != nil {
		c.log.Warn("could not read GAME_ROLE from contract", "err", err)
		return
	}

	var granted bool
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &granted, "hasRole", role, c.signer); err != nil {
		c.log.Warn("could not call hasRole", "err", err)
		return
	}
	if !granted {
		c.log.Warn("signer lacks GAME_ROLE on score contract", "signer", c.signer)
		return
	}
	c.log.Info("signer holds GAME_ROLE", "signer", c.signer)
}

// PendingNonce returns the signer's transaction count at the "pending" block
// tag — the batch nonce (spec §4.4 step 2).
func (c *Client) PendingNonce(ctx context.Context) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, c.signer)
}

// SuggestFees queries EIP-1559 fee fields, falling back to a legacy gas
// price when the node does not support them (spec §4.4 step 3).
func (c *Client) SuggestFees(ctx context.Context) (FeeData, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		price, perr := c.eth.SuggestGasPrice(ctx)
		if perr != nil {
			return FeeData{}, fmt.Errorf("suggesting gas price: %w", perr)
		}
		return FeeData{GasPrice: price}, nil
	}

	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeData{}, fmt.Errorf("fetching latest header: %w", err)
	}
	var baseFee *big.Int
	if head.BaseFee != nil {
		baseFee = head.BaseFee
	} else {
		baseFee = big.NewInt(0)
	}
	maxFee := new(big.Int).Add(baseFee, tip)
	maxFee = maxFee.Add(maxFee, tip) // headroom: baseFee + 2*tip
	return FeeData{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// EstimateGas estimates gas for an updatePlayerData call; the caller applies
// the 1.2x + 5000 margin and the FallbackGasLimit rule per spec §4.4 step 4b.
func (c *Client) EstimateGas(ctx context.Context, player common.Address, score *big.Int) (uint64, error) {
	data, err := c.abi.Pack("updatePlayerData", player, score, transactionAmount)
	if err != nil {
		return 0, fmt.Errorf("packing updatePlayerData call: %w", err)
	}
	msg := ethereum.CallMsg{From: c.signer, To: &c.address, Data: data}
	return c.eth.EstimateGas(ctx, msg)
}

// Send builds, signs and submits an updatePlayerData transaction at the
// given nonce/gasLimit/fee, returning the send acknowledgement's tx hash
// without waiting for a receipt (spec §4.4 step 4d).
func (c *Client) Send(ctx context.Context, nonce uint64, player common.Address, score *big.Int, gasLimit uint64, fee FeeData) (common.Hash, error) {
	data, err := c.abi.Pack("updatePlayerData", player, score, transactionAmount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing updatePlayerData call: %w", err)
	}

	var tx *types.Transaction
	if fee.MaxFeePerGas != nil {
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce,
			GasTipCap: fee.MaxPriorityFeePerGas,
			GasFeeCap: fee.MaxFeePerGas,
			Gas:       gasLimit,
			To:        &c.address,
			Value:     big.NewInt(0),
			Data:      data,
		})
	} else {
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fee.GasPrice,
			Gas:      gasLimit,
			To:       &c.address,
			Value:    big.NewInt(0),
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("sending transaction: %w", err)
	}
	return signed.Hash(), nil
}

// WaitReceipt polls for a transaction receipt until it appears or timeout
// elapses (spec §4.4 step 4f).
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
