package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ErrUnavailable wraps transport-level RPC failures so the polling driver can
// classify them separately from persistence errors.
var ErrUnavailable = errors.New("blockchain service unavailable")

// DVPExchangeABI covers the delivery lifecycle events of the
// IbetSecurityTokenDVP exchange contract.
const DVPExchangeABI = `[
	{
		"type": "event",
		"name": "DeliveryCreated",
		"inputs": [
			{"internalType": "uint256", "name": "deliveryId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "token", "type": "address", "indexed": true},
			{"internalType": "address", "name": "seller", "type": "address", "indexed": false},
			{"internalType": "address", "name": "buyer", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amount", "type": "uint256", "indexed": false},
			{"internalType": "address", "name": "agent", "type": "address", "indexed": false},
			{"internalType": "string", "name": "data", "type": "string", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DeliveryCanceled",
		"inputs": [
			{"internalType": "uint256", "name": "deliveryId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "token", "type": "address", "indexed": true},
			{"internalType": "address", "name": "seller", "type": "address", "indexed": false},
			{"internalType": "address", "name": "buyer", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amount", "type": "uint256", "indexed": false},
			{"internalType": "address", "name": "agent", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DeliveryConfirmed",
		"inputs": [
			{"internalType": "uint256", "name": "deliveryId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "token", "type": "address", "indexed": true},
			{"internalType": "address", "name": "seller", "type": "address", "indexed": false},
			{"internalType": "address", "name": "buyer", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amount", "type": "uint256", "indexed": false},
			{"internalType": "address", "name": "agent", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DeliveryFinished",
		"inputs": [
			{"internalType": "uint256", "name": "deliveryId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "token", "type": "address", "indexed": true},
			{"internalType": "address", "name": "seller", "type": "address", "indexed": false},
			{"internalType": "address", "name": "buyer", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amount", "type": "uint256", "indexed": false},
			{"internalType": "address", "name": "agent", "type": "address", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DeliveryAborted",
		"inputs": [
			{"internalType": "uint256", "name": "deliveryId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "token", "type": "address", "indexed": true},
			{"internalType": "address", "name": "seller", "type": "address", "indexed": false},
			{"internalType": "address", "name": "buyer", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amount", "type": "uint256", "indexed": false},
			{"internalType": "address", "name": "agent", "type": "address", "indexed": false}
		]
	}
]`

// SecurityTokenABI is the shared read surface of bond and share tokens used
// by exchange discovery.
const SecurityTokenABI = `[
	{
		"type": "function",
		"name": "tradableExchange",
		"inputs": [],
		"outputs": [{"internalType": "address", "name": "", "type": "address"}],
		"stateMutability": "view"
	}
]`

// Event signatures
var (
	DeliveryCreatedSig   = crypto.Keccak256Hash([]byte("DeliveryCreated(uint256,address,address,address,uint256,address,string)"))
	DeliveryCanceledSig  = crypto.Keccak256Hash([]byte("DeliveryCanceled(uint256,address,address,address,uint256,address)"))
	DeliveryConfirmedSig = crypto.Keccak256Hash([]byte("DeliveryConfirmed(uint256,address,address,address,uint256,address)"))
	DeliveryFinishedSig  = crypto.Keccak256Hash([]byte("DeliveryFinished(uint256,address,address,address,uint256,address)"))
	DeliveryAbortedSig   = crypto.Keccak256Hash([]byte("DeliveryAborted(uint256,address,address,address,uint256,address)"))
)

type Client struct {
	client   *ethclient.Client
	dvpABI   abi.ABI
	tokenABI abi.ABI
	logger   *zap.Logger
}

func NewClient(rpcURL string, logger *zap.Logger) (*Client, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	dvpABI, err := abi.JSON(strings.NewReader(DVPExchangeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse DVP exchange ABI: %w", err)
	}

	tokenABI, err := abi.JSON(strings.NewReader(SecurityTokenABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse security token ABI: %w", err)
	}

	return &Client{
		client:   client,
		dvpABI:   dvpABI,
		tokenABI: tokenABI,
		logger:   logger,
	}, nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	block, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return block, nil
}

// BlockTimestamp returns the timestamp of the given block in UTC.
func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	header, err := c.client.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// TradableExchangeAddress reads the configured tradable exchange of a token
// contract. Bond and share tokens expose the same view function.
func (c *Client) TradableExchangeAddress(ctx context.Context, tokenAddress string) (string, error) {
	input, err := c.tokenABI.Pack("tradableExchange")
	if err != nil {
		return "", fmt.Errorf("failed to pack tradableExchange call: %w", err)
	}

	token := common.HexToAddress(tokenAddress)
	output, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	results, err := c.tokenABI.Unpack("tradableExchange", output)
	if err != nil {
		return "", fmt.Errorf("failed to unpack tradableExchange result: %w", err)
	}
	return results[0].(common.Address).Hex(), nil
}

func (c *Client) filterLogs(ctx context.Context, exchange string, sig common.Hash, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{common.HexToAddress(exchange)},
		Topics:    [][]common.Hash{{sig}},
	}

	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return logs, nil
}

// DeliveryCreatedEvents fetches and decodes DeliveryCreated logs for one
// exchange over the given inclusive block range, in ascending block order.
func (c *Client) DeliveryCreatedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]CreatedEvent, error) {
	logs, err := c.filterLogs(ctx, exchange, DeliveryCreatedSig, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	events := make([]CreatedEvent, 0, len(logs))
	for _, eventLog := range logs {
		event, err := DecodeCreated(c.dvpABI, eventLog)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

func (c *Client) DeliveryCanceledEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]CanceledEvent, error) {
	transitions, err := c.transitionEvents(ctx, exchange, "DeliveryCanceled", DeliveryCanceledSig, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]CanceledEvent, len(transitions))
	for i, tr := range transitions {
		events[i] = CanceledEvent{tr}
	}
	return events, nil
}

func (c *Client) DeliveryConfirmedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]ConfirmedEvent, error) {
	transitions, err := c.transitionEvents(ctx, exchange, "DeliveryConfirmed", DeliveryConfirmedSig, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]ConfirmedEvent, len(transitions))
	for i, tr := range transitions {
		events[i] = ConfirmedEvent{tr}
	}
	return events, nil
}

func (c *Client) DeliveryFinishedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]FinishedEvent, error) {
	transitions, err := c.transitionEvents(ctx, exchange, "DeliveryFinished", DeliveryFinishedSig, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]FinishedEvent, len(transitions))
	for i, tr := range transitions {
		events[i] = FinishedEvent{tr}
	}
	return events, nil
}

func (c *Client) DeliveryAbortedEvents(ctx context.Context, exchange string, fromBlock, toBlock uint64) ([]AbortedEvent, error) {
	transitions, err := c.transitionEvents(ctx, exchange, "DeliveryAborted", DeliveryAbortedSig, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]AbortedEvent, len(transitions))
	for i, tr := range transitions {
		events[i] = AbortedEvent{tr}
	}
	return events, nil
}

func (c *Client) transitionEvents(ctx context.Context, exchange, eventName string, sig common.Hash, fromBlock, toBlock uint64) ([]TransitionEvent, error) {
	logs, err := c.filterLogs(ctx, exchange, sig, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	events := make([]TransitionEvent, 0, len(logs))
	for _, eventLog := range logs {
		event, err := DecodeTransition(c.dvpABI, eventName, eventLog)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// DecodeCreated decodes a DeliveryCreated log into typed arguments.
// Topics[1] is deliveryId, Topics[2] is token; the rest is in the data blob.
func DecodeCreated(dvpABI abi.ABI, eventLog types.Log) (CreatedEvent, error) {
	var args struct {
		Seller common.Address
		Buyer  common.Address
		Amount *big.Int
		Agent  common.Address
		Data   string
	}
	if err := dvpABI.UnpackIntoInterface(&args, "DeliveryCreated", eventLog.Data); err != nil {
		return CreatedEvent{}, fmt.Errorf("failed to unpack DeliveryCreated event data: %w", err)
	}
	if len(eventLog.Topics) < 3 {
		return CreatedEvent{}, fmt.Errorf("DeliveryCreated log %s has %d topics", eventLog.TxHash.Hex(), len(eventLog.Topics))
	}

	return CreatedEvent{
		Raw: Raw{
			BlockNumber: eventLog.BlockNumber,
			TxHash:      eventLog.TxHash.Hex(),
			LogIndex:    eventLog.Index,
		},
		DeliveryID: eventLog.Topics[1].Big().Uint64(),
		Token:      common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
		Seller:     args.Seller.Hex(),
		Buyer:      args.Buyer.Hex(),
		Agent:      args.Agent.Hex(),
		Amount:     args.Amount,
		Data:       args.Data,
	}, nil
}

// DecodeTransition decodes one of the four lifecycle transition logs, which
// share a single argument shape.
func DecodeTransition(dvpABI abi.ABI, eventName string, eventLog types.Log) (TransitionEvent, error) {
	var args struct {
		Seller common.Address
		Buyer  common.Address
		Amount *big.Int
		Agent  common.Address
	}
	if err := dvpABI.UnpackIntoInterface(&args, eventName, eventLog.Data); err != nil {
		return TransitionEvent{}, fmt.Errorf("failed to unpack %s event data: %w", eventName, err)
	}
	if len(eventLog.Topics) < 3 {
		return TransitionEvent{}, fmt.Errorf("%s log %s has %d topics", eventName, eventLog.TxHash.Hex(), len(eventLog.Topics))
	}

	return TransitionEvent{
		Raw: Raw{
			BlockNumber: eventLog.BlockNumber,
			TxHash:      eventLog.TxHash.Hex(),
			LogIndex:    eventLog.Index,
		},
		DeliveryID: eventLog.Topics[1].Big().Uint64(),
		Token:      common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
		Seller:     args.Seller.Hex(),
		Buyer:      args.Buyer.Hex(),
		Agent:      args.Agent.Hex(),
		Amount:     args.Amount,
	}, nil
}

func (c *Client) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
