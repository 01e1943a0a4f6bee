package prover

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testProof = `{"pi_a":["1","2","1"],"pi_b":[["3","4"],["5","6"],["1","0"]],"pi_c":["7","8","1"],"protocol":"groth16"}`

// proofServer is a minimal proof server: /input makes it busy for a number
// of status polls, then it reports success
type proofServer struct {
	rw        sync.Mutex
	busyPolls int
	inputs    []common.ZKInputs
	cancelled int
}

func (s *proofServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		s.rw.Lock()
		defer s.rw.Unlock()
		status := Status{Status: StatusCodeReady}
		if len(s.inputs) > 0 {
			if s.busyPolls > 0 {
				s.busyPolls--
				status.Status = StatusCodeBusy
			} else {
				status = Status{Status: StatusCodeSuccess, Proof: testProof, PubData: `["42"]`}
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(status))
	})
	mux.HandleFunc("/input", func(w http.ResponseWriter, r *http.Request) {
		var zki common.ZKInputs
		require.NoError(t, json.NewDecoder(r.Body).Decode(&zki))
		s.rw.Lock()
		defer s.rw.Unlock()
		if s.busyPolls > 0 {
			w.WriteHeader(http.StatusConflict)
			require.NoError(t, json.NewEncoder(w).Encode(ErrorServer{Status: StatusCodeBusy,
				Message: "busy"}))
			return
		}
		s.inputs = append(s.inputs, zki)
		s.busyPolls = 2
	})
	mux.HandleFunc("/cancel", func(w http.ResponseWriter, r *http.Request) {
		s.rw.Lock()
		defer s.rw.Unlock()
		s.cancelled++
		s.busyPolls = 0
	})
	return mux
}

func TestProofServerClient(t *testing.T) {
	srv := &proofServer{}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	ctx := context.Background()
	client := NewProofServerClient(ts.URL, 10*time.Millisecond)
	require.NoError(t, client.WaitReady(ctx))

	zki := &common.ZKInputs{BatchNum: 3, RollupProofData: []byte{1, 2, 3}}
	require.NoError(t, client.CalculateProof(ctx, zki))
	// busy
	err := client.CalculateProof(ctx, zki)
	require.Error(t, err)
	var errSrv ErrorServer
	require.ErrorAs(t, common.Unwrap(err), &errSrv)
	assert.Equal(t, StatusCodeBusy, errSrv.Status)

	proof, pubInputs, err := client.GetProof(ctx)
	require.NoError(t, err)
	assert.Equal(t, "groth16", proof.Protocol)
	assert.Equal(t, big.NewInt(5), proof.PiB[1][0])
	assert.Equal(t, []*big.Int{big.NewInt(42)}, pubInputs)
	require.Len(t, srv.inputs, 1)
	assert.Equal(t, common.BatchNum(3), srv.inputs[0].BatchNum)

	require.NoError(t, client.Cancel(ctx))
	assert.Equal(t, 1, srv.cancelled)
}

func TestProofServerClientCancelled(t *testing.T) {
	srv := &proofServer{busyPolls: 1 << 20, inputs: []common.ZKInputs{{}}}
	ts := httptest.NewServer(srv.handler(t))
	defer ts.Close()

	client := NewProofServerClient(ts.URL, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := client.GetProof(ctx)
	assert.True(t, common.IsErrDone(err))
}

func TestProofBytes(t *testing.T) {
	var proof Proof
	require.NoError(t, json.Unmarshal([]byte(testProof), &proof))
	b := proof.Bytes()
	require.Len(t, b, 8*32)
	// a0 a1 b01 b00 b11 b10 c0 c1
	for i, v := range []int64{1, 2, 4, 3, 6, 5, 7, 8} {
		assert.Equal(t, big.NewInt(v), new(big.Int).SetBytes(b[32*i:32*(i+1)]))
	}

	assert.Error(t, json.Unmarshal([]byte(`{"pi_a":["1"]}`), &proof))
}

func TestMockClient(t *testing.T) {
	ctx := context.Background()
	client := NewMockClient(0)
	require.NoError(t, client.CalculateProof(ctx, &common.ZKInputs{BatchNum: 1}))
	proof, pubInputs, err := client.GetProof(ctx)
	require.NoError(t, err)
	assert.Len(t, proof.Bytes(), 8*32)
	assert.Len(t, pubInputs, 1)

	client.FailNext(1)
	_, _, err = client.GetProof(ctx)
	assert.Error(t, err)
	_, _, err = client.GetProof(ctx)
	assert.NoError(t, err)

	slow := NewMockClient(time.Hour)
	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = slow.GetProof(cctx)
	assert.True(t, common.IsErrDone(err))
}
