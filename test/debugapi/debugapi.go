package debugapi

import (
	"context"
	"net/http"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/coordinator"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/synchronizer"
	"tokamak-rollup-sequencer/txreceiver"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func successResponse(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

func errorResponse(c *gin.Context, status int, message string, err error) {
	response := gin.H{"message": message}
	if err != nil {
		response["error"] = err.Error()
	}
	c.JSON(status, response)
}

// DebugAPI is an http API with debugging endpoints
type DebugAPI struct {
	addr     string
	stateDB  *statedb.StateDB // synchronizer statedb
	sync     *synchronizer.Synchronizer
	coord    *coordinator.Coordinator
	receiver *txreceiver.Receiver
}

// NewDebugAPI creates a new DebugAPI.  coord and receiver may be nil, in
// which case their endpoints are not served.
func NewDebugAPI(addr string, stateDB *statedb.StateDB, sync *synchronizer.Synchronizer,
	coord *coordinator.Coordinator, receiver *txreceiver.Receiver) *DebugAPI {
	return &DebugAPI{
		addr:     addr,
		stateDB:  stateDB,
		sync:     sync,
		coord:    coord,
		receiver: receiver,
	}
}

func (a *DebugAPI) handleCurrentBatch(c *gin.Context) {
	successResponse(c, http.StatusOK, a.stateDB.CurrentBatch())
}

func (a *DebugAPI) handleRoots(c *gin.Context) {
	successResponse(c, http.StatusOK, a.stateDB.Roots())
}

func (a *DebugAPI) handleSyncStats(c *gin.Context) {
	successResponse(c, http.StatusOK, a.sync.Stats())
}

func (a *DebugAPI) handleCoordinatorState(c *gin.Context) {
	successResponse(c, http.StatusOK, gin.H{"state": a.coord.State().String()})
}

func (a *DebugAPI) handleFlush(c *gin.Context) {
	a.coord.Flush()
	successResponse(c, http.StatusOK, gin.H{"state": a.coord.State().String()})
}

type postTxRequest struct {
	ProofData hexutil.Bytes `json:"proofData" binding:"required"`
}

func (a *DebugAPI) handlePostTx(c *gin.Context) {
	var req postTxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request", err)
		return
	}
	tx, err := a.receiver.Receive(c.Request.Context(), req.ProofData)
	if err != nil {
		status := http.StatusBadRequest
		if common.IsErr(err, common.ErrPoolFull) {
			status = http.StatusServiceUnavailable
		} else if !isValidationErr(err) {
			status = http.StatusInternalServerError
		}
		errorResponse(c, status, "tx rejected", common.Unwrap(err))
		return
	}
	successResponse(c, http.StatusOK, gin.H{"txID": tx.TxID, "excessGas": tx.ExcessGas})
}

func isValidationErr(err error) bool {
	for _, target := range []error{common.ErrInvalidTx, common.ErrFeeTooLow,
		common.ErrDepositExceeded, common.ErrUnknownBridge, common.ErrNullifierExists,
		common.ErrTxExists} {
		if common.IsErr(err, target) {
			return true
		}
	}
	return false
}

func (a *DebugAPI) router() *gin.Engine {
	api := gin.Default()
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))
	debugAPI := api.Group("/debug")
	debugAPI.GET("sdb/batchnum", a.handleCurrentBatch)
	debugAPI.GET("sdb/roots", a.handleRoots)
	debugAPI.GET("sync/stats", a.handleSyncStats)
	if a.coord != nil {
		debugAPI.GET("coordinator/state", a.handleCoordinatorState)
		debugAPI.POST("coordinator/flush", a.handleFlush)
	}
	if a.receiver != nil {
		debugAPI.POST("tx", a.handlePostTx)
	}
	return api
}

// Run starts the http server of the DebugAPI.  To stop it, pass a context
// with cancellation.
func (a *DebugAPI) Run(ctx context.Context) error {
	debugAPIServer := &http.Server{
		Addr:           a.addr,
		Handler:        a.router(),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		MaxHeaderBytes: 1 << 20, //nolint:gomnd
	}
	go func() {
		log.Infof("DebugAPI is ready at %v", a.addr)
		if err := debugAPIServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	log.Info("Stopping DebugAPI...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := debugAPIServer.Shutdown(ctxTimeout); err != nil {
		return common.Wrap(err)
	}
	log.Info("DebugAPI done")
	return nil
}
