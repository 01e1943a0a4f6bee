package etherscan

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"tokamak-rollup-sequencer/common"

	"github.com/dghubble/sling"
)

const (
	defaultMaxIdleConns    = 10
	defaultIdleConnTimeout = 2 * time.Second
	statusOK               = "1"
)

var gwei = big.NewInt(1e9)

type etherscanResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Result  GasPriceEtherscan `json:"result"`
}

// GasPriceEtherscan definition
type GasPriceEtherscan struct {
	LastBlock       string `json:"LastBlock"`
	SafeGasPrice    string `json:"SafeGasPrice"`
	ProposeGasPrice string `json:"ProposeGasPrice"`
	FastGasPrice    string `json:"FastGasPrice"`
}

// Service definition
type Service struct {
	clientEtherscan *sling.Sling
	apiKey          string
}

// Client is the interface to the etherscan gas oracle
type Client interface {
	// Blocking.  Returns the gas price.
	GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error)
}

// NewEtherscanService is the constructor that creates an etherscanService
func NewEtherscanService(etherscanURL string, apikey string) (*Service, error) {
	if etherscanURL == "" {
		return nil, common.Wrap(fmt.Errorf("empty etherscan URL"))
	}
	tr := &http.Transport{
		MaxIdleConns:       defaultMaxIdleConns,
		IdleConnTimeout:    defaultIdleConnTimeout,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: tr}
	return &Service{
		clientEtherscan: sling.New().Base(etherscanURL).Client(httpClient),
		apiKey:          apikey,
	}, nil
}

type gasOracleParams struct {
	Module string `url:"module"`
	Action string `url:"action"`
	APIKey string `url:"apikey"`
}

// GetGasPrice retrieves the gas price estimation from etherscan
func (s *Service) GetGasPrice(ctx context.Context) (*GasPriceEtherscan, error) {
	var resBody etherscanResponse
	var errBody etherscanResponse
	req, err := s.clientEtherscan.New().Get("api").
		QueryStruct(&gasOracleParams{Module: "gastracker", Action: "gasoracle", APIKey: s.apiKey}).
		Request()
	if err != nil {
		return nil, common.Wrap(err)
	}
	res, err := s.clientEtherscan.Do(req.WithContext(ctx), &resBody, &errBody)
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if res.StatusCode != http.StatusOK {
		return nil, common.Wrap(fmt.Errorf("etherscan http status %d: %v", res.StatusCode, errBody.Message))
	}
	if resBody.Status != statusOK {
		return nil, common.Wrap(fmt.Errorf("etherscan error: %v", resBody.Message))
	}
	return &resBody.Result, nil
}

// GasPrice returns the proposed gas price in wei. It implements the gas
// price feed of the fee resolver.
func (s *Service) GasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := s.GetGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return ParseGwei(gasPrice.ProposeGasPrice)
}

// ParseGwei parses a decimal amount of gwei, like "12.5", into wei
func ParseGwei(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(s)
	if !ok || r.Sign() < 0 {
		return nil, common.Wrap(fmt.Errorf("invalid gwei amount %q", s))
	}
	r.Mul(r, new(big.Rat).SetInt(gwei))
	// Truncate the fraction of wei
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
