// Package chain reads the small on-chain surface the settler depends on: the
// epoch schedule from the gauge contract and the per-asset distribution
// update counters from the reward distributor.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const gaugeABIJSON = `[
	{"type":"function","name":"genesisEpoch","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"EPOCH_DURATION","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const distributorABIJSON = `[
	{"type":"function","name":"rewards","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"}],
	 "outputs":[
		{"name":"token","type":"address"},
		{"name":"merkleRoot","type":"bytes32"},
		{"name":"proof","type":"bytes32"},
		{"name":"updateCount","type":"uint256"}
	 ]}
]`

// ContractCaller is the slice of the ethereum client the reader needs.
// *ethclient.Client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type Config struct {
	Logger *slog.Logger
	// Client is the hub chain RPC client. Optional if RPCURL is set.
	Client ContractCaller
	// RPCURL is dialed when Client is nil.
	RPCURL string
	// Gauge is the gauge contract address on the hub.
	Gauge string
	// RewardDistributor is the reward distributor contract address on the hub.
	RewardDistributor string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil && cfg.RPCURL == "" {
		return errors.New("client or rpc url is required")
	}
	if !common.IsHexAddress(cfg.Gauge) {
		return fmt.Errorf("invalid gauge address %q", cfg.Gauge)
	}
	if !common.IsHexAddress(cfg.RewardDistributor) {
		return fmt.Errorf("invalid reward distributor address %q", cfg.RewardDistributor)
	}
	return nil
}

// Reader performs read-only calls against the hub contracts.
type Reader struct {
	log            *slog.Logger
	client         ContractCaller
	gauge          common.Address
	distributor    common.Address
	gaugeABI       abi.ABI
	distributorABI abi.ABI
}

func New(cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate chain config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		c, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial hub rpc: %w", err)
		}
		client = c
	}

	gaugeABI, err := abi.JSON(strings.NewReader(gaugeABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse gauge abi: %w", err)
	}
	distributorABI, err := abi.JSON(strings.NewReader(distributorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse distributor abi: %w", err)
	}

	return &Reader{
		log:            cfg.Logger,
		client:         client,
		gauge:          common.HexToAddress(cfg.Gauge),
		distributor:    common.HexToAddress(cfg.RewardDistributor),
		gaugeABI:       gaugeABI,
		distributorABI: distributorABI,
	}, nil
}

func (r *Reader) call(ctx context.Context, contract common.Address, contractABI abi.ABI, method string, args ...any) ([]any, error) {
	input, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	output, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}
	values, err := contractABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return values, nil
}

// GenesisEpoch returns the unix timestamp of the first epoch boundary.
func (r *Reader) GenesisEpoch(ctx context.Context) (int64, error) {
	values, err := r.call(ctx, r.gauge, r.gaugeABI, "genesisEpoch")
	if err != nil {
		return 0, err
	}
	genesis, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected genesisEpoch result type %T", values[0])
	}
	return genesis.Int64(), nil
}

// EpochDuration returns the epoch length in seconds.
func (r *Reader) EpochDuration(ctx context.Context) (int64, error) {
	values, err := r.call(ctx, r.gauge, r.gaugeABI, "EPOCH_DURATION")
	if err != nil {
		return 0, err
	}
	duration, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected EPOCH_DURATION result type %T", values[0])
	}
	return duration.Int64(), nil
}

// RewardDistributorUpdateCount returns how many distributions the distributor
// has recorded for an asset. The count seeds the proof anchor of the next
// tree so re-submissions of the same epoch stay distinguishable.
func (r *Reader) RewardDistributorUpdateCount(ctx context.Context, asset string) (int64, error) {
	if !common.IsHexAddress(asset) {
		return 0, fmt.Errorf("invalid asset address %q", asset)
	}
	values, err := r.call(ctx, r.distributor, r.distributorABI, "rewards", common.HexToAddress(asset))
	if err != nil {
		return 0, err
	}
	if len(values) != 4 {
		return 0, fmt.Errorf("unexpected rewards result arity %d", len(values))
	}
	count, ok := values[3].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected updateCount result type %T", values[3])
	}
	return count.Int64(), nil
}
