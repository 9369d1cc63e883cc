package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/liangchen812/walletsync/internal/guard"
	"github.com/liangchen812/walletsync/internal/queue"
	"github.com/liangchen812/walletsync/internal/service"
	"github.com/liangchen812/walletsync/internal/syncer"
	"github.com/shopspring/decimal"
)

func RegisterHandlers(r *gin.Engine, svc *service.TransactionService, coord *syncer.Coordinator) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets/:id/transactions", createTransactionHandler(svc))
		v1.GET("/wallets/:id/transactions", historyHandler(svc))
		v1.GET("/wallets/:id/pending-count", pendingCountHandler(svc))
		v1.GET("/wallets/:id/offline-usage", usageHandler(svc))
		v1.GET("/transactions/:hash", getTransactionHandler(svc))
		v1.POST("/transactions/:hash/cancel", cancelHandler(svc))
		v1.POST("/sync", syncHandler(coord))
		v1.GET("/sync/status", syncStatusHandler(coord))
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
}

type createTxReq struct {
	ReceiverID  string `json:"receiver_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
	DeviceID    string `json:"device_id" binding:"required"`
	Offline     bool   `json:"offline"`
}

func createTransactionHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTxReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		t, err := svc.Create(c, service.CreateInput{
			SenderID:    c.Param("id"),
			ReceiverID:  req.ReceiverID,
			Amount:      amt,
			Description: req.Description,
			DeviceID:    req.DeviceID,
			Offline:     req.Offline,
		})
		if err != nil {
			status, code := createErrorStatus(err)
			c.JSON(status, gin.H{"error": err.Error(), "code": code})
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

// createErrorStatus separates "declined, do not retry" from bad input so
// clients can tell a limit rejection apart from a malformed request.
func createErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, guard.ErrOfflineLimitExceeded):
		return http.StatusUnprocessableEntity, "offline_limit_exceeded"
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrMissingParticipant),
		errors.Is(err, service.ErrSelfTransfer):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func getTransactionHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.Get(c, c.Param("hash"))
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func cancelHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := svc.Cancel(c, c.Param("hash"))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		case errors.Is(err, queue.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		case errors.Is(err, queue.ErrNotCancellable):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func pendingCountHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := svc.PendingCount(c, c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": n})
	}
}

func usageHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := svc.Usage(c, c.Param("id"))
		if err != nil {
			if errors.Is(err, queue.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no offline usage recorded"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

func historyHandler(svc *service.TransactionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		txs, err := svc.History(c, c.Param("id"), limit, since)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func syncHandler(coord *syncer.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, started, err := coord.Sync(c, syncer.TriggerManual)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !started {
			c.JSON(http.StatusAccepted, gin.H{"status": "sync already in flight or backing off"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func syncStatusHandler(coord *syncer.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, ok := coord.LastResult()
		if !ok {
			c.JSON(http.StatusOK, gin.H{"status": "never synced"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}
