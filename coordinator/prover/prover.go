package prover

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/log"

	"github.com/dghubble/sling"
)

// Proof is the proof of a rollup as returned by the proof server
type Proof struct {
	PiA      [3]*big.Int    `json:"pi_a"`
	PiB      [3][2]*big.Int `json:"pi_b"`
	PiC      [3]*big.Int    `json:"pi_c"`
	Protocol string         `json:"protocol"`
}

type bigInt big.Int

func (b *bigInt) UnmarshalText(text []byte) error {
	_, ok := (*big.Int)(b).SetString(string(text), 10)
	if !ok {
		return common.Wrap(fmt.Errorf("invalid big int: \"%v\"", string(text)))
	}
	return nil
}

// UnmarshalJSON unmarshals the proof from a JSON encoded proof with the big
// ints as strings
func (p *Proof) UnmarshalJSON(data []byte) error {
	proof := struct {
		PiA      [3]*bigInt    `json:"pi_a"`
		PiB      [3][2]*bigInt `json:"pi_b"`
		PiC      [3]*bigInt    `json:"pi_c"`
		Protocol string        `json:"protocol"`
	}{}
	if err := json.Unmarshal(data, &proof); err != nil {
		return common.Wrap(err)
	}
	for i := 0; i < 3; i++ {
		if proof.PiA[i] == nil || proof.PiC[i] == nil ||
			proof.PiB[i][0] == nil || proof.PiB[i][1] == nil {
			return common.Wrap(fmt.Errorf("incomplete proof"))
		}
		p.PiA[i] = (*big.Int)(proof.PiA[i])
		p.PiB[i][0] = (*big.Int)(proof.PiB[i][0])
		p.PiB[i][1] = (*big.Int)(proof.PiB[i][1])
		p.PiC[i] = (*big.Int)(proof.PiC[i])
	}
	p.Protocol = proof.Protocol
	return nil
}

// Bytes returns the proof as it is appended to the rollup public data: the
// 8 field elements a0 a1 b01 b00 b11 b10 c0 c1, 32 bytes each
func (p *Proof) Bytes() []byte {
	elems := []*big.Int{
		p.PiA[0], p.PiA[1],
		p.PiB[0][1], p.PiB[0][0],
		p.PiB[1][1], p.PiB[1][0],
		p.PiC[0], p.PiC[1],
	}
	b := make([]byte, 32*len(elems)) //nolint:gomnd
	for i, e := range elems {
		e.FillBytes(b[32*i : 32*(i+1)])
	}
	return b
}

// PublicInputs are the public inputs of the proof
type PublicInputs []*big.Int

// UnmarshalJSON unmarshals the JSON into the public inputs where the bigInts
// are in decimal as quoted strings
func (p *PublicInputs) UnmarshalJSON(data []byte) error {
	pubInputs := []*bigInt{}
	if err := json.Unmarshal(data, &pubInputs); err != nil {
		return common.Wrap(err)
	}
	*p = make([]*big.Int, len(pubInputs))
	for i, v := range pubInputs {
		(*p)[i] = (*big.Int)(v)
	}
	return nil
}

// Client is the interface to a ServerProof that calculates zk proofs
type Client interface {
	// Non-blocking
	CalculateProof(ctx context.Context, zkInputs *common.ZKInputs) error
	// Blocking.  Returns the Proof and Public Data (public inputs)
	GetProof(ctx context.Context) (*Proof, []*big.Int, error)
	// Non-Blocking
	Cancel(ctx context.Context) error
	// Blocking
	WaitReady(ctx context.Context) error
}

// StatusCode is the status string of the ProofServer
type StatusCode string

const (
	// StatusCodeAborted means prover is ready to take new proof. Previous
	// proof was aborted.
	StatusCodeAborted StatusCode = "aborted"
	// StatusCodeBusy means prover is busy computing proof.
	StatusCodeBusy StatusCode = "busy"
	// StatusCodeFailed means prover is ready to take new proof. Previous
	// proof failed
	StatusCodeFailed StatusCode = "failed"
	// StatusCodeSuccess means prover is ready to take new proof. Previous
	// proof succeeded
	StatusCodeSuccess StatusCode = "success"
	// StatusCodeUnverified means prover is ready to take new proof.
	// Previous proof was unverified
	StatusCodeUnverified StatusCode = "unverified"
	// StatusCodeUninitialized means prover is not initialized
	StatusCodeUninitialized StatusCode = "uninitialized"
	// StatusCodeUndefined means prover is in an undefined state. Most
	// likely is booting up. Keep trying
	StatusCodeUndefined StatusCode = "undefined"
	// StatusCodeInitializing means prover is initializing and not ready yet
	StatusCodeInitializing StatusCode = "initializing"
	// StatusCodeReady means prover initialized and ready to do first proof
	StatusCodeReady StatusCode = "ready"
)

// IsReady returns true when the prover is ready
func (status StatusCode) IsReady() bool {
	switch status {
	case StatusCodeAborted, StatusCodeFailed, StatusCodeSuccess,
		StatusCodeUnverified, StatusCodeReady:
		return true
	}
	return false
}

// IsInitialized returns true when the prover is initialized
func (status StatusCode) IsInitialized() bool {
	return status != StatusCodeUninitialized && status != StatusCodeUndefined
}

// Status is the return struct for the status API endpoint
type Status struct {
	Status  StatusCode `json:"status"`
	Proof   string     `json:"proof"`
	PubData string     `json:"pubData"`
}

// ErrorServer is the return struct for an API error
type ErrorServer struct {
	Status  StatusCode `json:"status"`
	Message string     `json:"msg"`
}

// Error message for ErrorServer
func (e ErrorServer) Error() string {
	return fmt.Sprintf("server proof status (%v): %v", e.Status, e.Message)
}

type apiMethod string

const (
	// GET is an HTTP GET
	GET apiMethod = "GET"
	// POST is an HTTP POST with maybe JSON body
	POST apiMethod = "POST"
)

// ProofServerClient contains the data related to a ProofServerClient
type ProofServerClient struct {
	URL          string
	client       *sling.Sling
	pollInterval time.Duration
}

// NewProofServerClient creates a new ServerProof
func NewProofServerClient(URL string, pollInterval time.Duration) *ProofServerClient {
	if !strings.HasSuffix(URL, "/") {
		URL += "/"
	}
	client := sling.New().Base(URL)
	return &ProofServerClient{URL: URL, client: client, pollInterval: pollInterval}
}

func (p *ProofServerClient) apiRequest(ctx context.Context, method apiMethod, path string,
	body interface{}, ret interface{}) error {
	path = strings.TrimPrefix(path, "/")
	var req *http.Request
	var err error
	switch method {
	case GET:
		req, err = p.client.New().Get(path).Request()
	case POST:
		req, err = p.client.New().Post(path).BodyJSON(body).Request()
	default:
		return common.Wrap(fmt.Errorf("invalid http method: %v", method))
	}
	if err != nil {
		return common.Wrap(err)
	}
	var errSrv ErrorServer
	res, err := p.client.Do(req.WithContext(ctx), ret, &errSrv)
	if err != nil {
		return common.Wrap(err)
	}
	defer res.Body.Close() //nolint:errcheck
	if !(200 <= res.StatusCode && res.StatusCode < 300) {
		return common.Wrap(errSrv)
	}
	return nil
}

func (p *ProofServerClient) apiStatus(ctx context.Context) (*Status, error) {
	var status Status
	return &status, common.Wrap(p.apiRequest(ctx, GET, "/status", nil, &status))
}

func (p *ProofServerClient) apiCancel(ctx context.Context) error {
	return common.Wrap(p.apiRequest(ctx, POST, "/cancel", nil, nil))
}

func (p *ProofServerClient) apiInput(ctx context.Context, zkInputs *common.ZKInputs) error {
	return common.Wrap(p.apiRequest(ctx, POST, "/input", zkInputs, nil))
}

// CalculateProof sends the *common.ZKInputs to the ServerProof to compute the
// Proof
func (p *ProofServerClient) CalculateProof(ctx context.Context, zkInputs *common.ZKInputs) error {
	return common.Wrap(p.apiInput(ctx, zkInputs))
}

// GetProof retrieves the Proof and Public Data (public inputs) from the
// ServerProof, blocking until the proof is ready.
func (p *ProofServerClient) GetProof(ctx context.Context) (*Proof, []*big.Int, error) {
	status, err := p.waitReady(ctx)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if status.Status != StatusCodeSuccess {
		return nil, nil, common.Wrap(fmt.Errorf("status != %v, status = %v", StatusCodeSuccess,
			status.Status))
	}
	var proof Proof
	if err := json.Unmarshal([]byte(status.Proof), &proof); err != nil {
		return nil, nil, common.Wrap(err)
	}
	var pubInputs PublicInputs
	if err := json.Unmarshal([]byte(status.PubData), &pubInputs); err != nil {
		return nil, nil, common.Wrap(err)
	}
	return &proof, pubInputs, nil
}

// Cancel cancels any current proof computation
func (p *ProofServerClient) Cancel(ctx context.Context) error {
	return common.Wrap(p.apiCancel(ctx))
}

// WaitReady waits until the serverProof is ready
func (p *ProofServerClient) WaitReady(ctx context.Context) error {
	_, err := p.waitReady(ctx)
	return common.Wrap(err)
}

func (p *ProofServerClient) waitReady(ctx context.Context) (*Status, error) {
	for {
		status, err := p.apiStatus(ctx)
		if ctx.Err() != nil {
			return nil, common.Wrap(common.ErrDone)
		} else if err != nil {
			return nil, common.Wrap(err)
		}
		if !status.Status.IsInitialized() {
			return nil, common.Wrap(fmt.Errorf("proof server is not initialized"))
		}
		if status.Status.IsReady() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.ErrDone)
		case <-time.After(p.pollInterval):
		}
	}
}

// MockClient is a mock ServerProof to be used in tests.  It doesn't calculate anything
type MockClient struct {
	rw      sync.Mutex
	counter int64
	Delay   time.Duration
	// failNext is the number of next GetProof calls that return an error
	failNext int
}

// NewMockClient creates a new mock server proof
func NewMockClient(delay time.Duration) *MockClient {
	return &MockClient{Delay: delay}
}

// CalculateProof sends the *common.ZKInputs to the ServerProof to compute the
// Proof
func (p *MockClient) CalculateProof(ctx context.Context, zkInputs *common.ZKInputs) error {
	log.Debugw("MockClient: CalculateProof", "batch", zkInputs.BatchNum, "txs", len(zkInputs.TxProofs))
	return nil
}

// GetProof retrieves the Proof from the ServerProof
func (p *MockClient) GetProof(ctx context.Context) (*Proof, []*big.Int, error) {
	select {
	case <-time.After(p.Delay):
	case <-ctx.Done():
		return nil, nil, common.Wrap(common.ErrDone)
	}
	p.rw.Lock()
	defer p.rw.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return nil, nil, common.Wrap(fmt.Errorf("mock proof failed"))
	}
	i := p.counter * 100 //nolint:gomnd
	p.counter++
	return &Proof{
			PiA: [3]*big.Int{big.NewInt(i), big.NewInt(i + 1), big.NewInt(1)},
			PiB: [3][2]*big.Int{
				{big.NewInt(i + 2), big.NewInt(i + 3)},
				{big.NewInt(i + 4), big.NewInt(i + 5)},
				{big.NewInt(1), big.NewInt(0)},
			},
			PiC:      [3]*big.Int{big.NewInt(i + 6), big.NewInt(i + 7), big.NewInt(1)},
			Protocol: "groth16",
		},
		[]*big.Int{big.NewInt(i + 42)}, //nolint:gomnd
		nil
}

// FailNext makes the next n GetProof calls fail
func (p *MockClient) FailNext(n int) {
	p.rw.Lock()
	defer p.rw.Unlock()
	p.failNext = n
}

// Cancel cancels any current proof computation
func (p *MockClient) Cancel(ctx context.Context) error {
	return nil
}

// WaitReady waits until the prover is ready
func (p *MockClient) WaitReady(ctx context.Context) error {
	return nil
}
