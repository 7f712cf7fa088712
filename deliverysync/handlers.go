package deliverysync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"bitbucket.org/mmdatafocus/retailops_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// InvoicesHandler lists the ranked local invoice view. The listing itself
// never waits on the partner; a refresh cycle is kicked in the background so
// the next read is fresher.
func InvoicesHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		window, err := ParseTimeWindow(c.Query("window"), c.Query("from"), c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		invoices, err := worker.Store().ListInvoices(ctx, businessId, window)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		refreshed := false
		if strings.EqualFold(c.Query("refresh"), "true") {
			_, _, refreshed = worker.TriggerSync(ctx, businessId, models.SyncTriggeredSystem)
		}
		c.JSON(http.StatusOK, gin.H{"items": invoices, "refreshQueued": refreshed})
	}
}

// StatsHandler returns the recomputed aggregates for the windowed view.
func StatsHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		window, err := ParseTimeWindow(c.Query("window"), c.Query("from"), c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		stats, err := worker.Store().InvoiceStats(ctx, businessId, window)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// ExportHandler streams the windowed invoice view as an xlsx download.
func ExportHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		window, err := ParseTimeWindow(c.Query("window"), c.Query("from"), c.Query("to"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		buf, err := worker.Store().ExportInvoicesXLSX(ctx, businessId, window)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		filename := "delivery-invoices-" + time.Now().Format("2006-01-02") + ".xlsx"
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK,
			"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			buf.Bytes())
	}
}

// TriggerSyncHandler starts a reconciliation cycle. 202 on accept, 200 with
// dropped=true if one is already running for the business.
func TriggerSyncHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		_, runId, accepted := worker.TriggerSync(ctx, businessId, models.SyncTriggeredManual)
		if !accepted {
			c.JSON(http.StatusOK, gin.H{"dropped": true})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": runId})
	}
}

// ConfirmReceiptHandler confirms one invoice with the partner and propagates
// the settlement. Synchronous: the caller gets the consolidated result.
func ConfirmReceiptHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		externalId := strings.TrimSpace(c.Param("id"))
		if externalId == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invoice id is required"})
			return
		}

		var req ConfirmReceiptRequest
		_ = c.ShouldBindJSON(&req)
		receivedBy := strings.TrimSpace(req.ReceivedBy)
		if receivedBy == "" {
			receivedBy, _ = utils.GetUsernameFromContext(c.Request.Context())
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		result, err := worker.ConfirmReceipt(ctx, businessId, externalId, receivedBy)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, result)
		case errors.Is(err, ErrNotConnected):
			c.JSON(http.StatusConflict, gin.H{"error": "delivery partner is not connected"})
		case errors.Is(err, ErrConfirmInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, models.ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{"error": "invoice is already received"})
		case IsAuthError(err):
			c.JSON(http.StatusBadGateway, gin.H{"error": "delivery partner rejected credentials"})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
	}
}

// SyncHistoryHandler lists recent reconciliation runs, newest first.
func SyncHistoryHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		runs, err := worker.Store().SyncRuns(ctx, businessId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

// SyncRunDetailHandler returns one run plus its absorbed errors.
func SyncRunDetailHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		run, err := worker.Store().SyncRunByID(ctx, businessId, uint(id))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		errs, err := worker.Store().SyncRunErrors(ctx, run.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

// RetrySyncRunHandler queues a fresh run modeled on an earlier one. The new
// run goes through Pub/Sub when configured, otherwise it executes in-process.
func RetrySyncRunHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		prev, err := worker.Store().SyncRunByID(ctx, businessId, uint(id))
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		run, err := worker.Store().CreateSyncRun(ctx, businessId, prev.ConnectionId, models.SyncRunStatusQueued, models.SyncTriggeredRetry)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncRun(ctx, run.ID, businessId); err != nil {
			go func(runId uint) {
				bg, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
				defer cancel()
				_, _ = worker.ExecuteRun(bg, runId, businessId)
			}(run.ID)
		}
		c.JSON(http.StatusAccepted, gin.H{"id": run.ID})
	}
}

// ConnectHandler links the business to the partner, replacing any prior
// credential.
func ConnectHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := validate.Struct(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "merchantId and token are required"})
			return
		}
		if strings.TrimSpace(req.MerchantName) == "" {
			req.MerchantName = req.MerchantId
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		if _, err := worker.Store().SaveConnection(ctx, businessId, req); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// DisconnectHandler drops the credential; local invoice data stays.
func DisconnectHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		err = worker.Store().Disconnect(ctx, businessId)
		if err != nil && !errors.Is(err, ErrNotConnected) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// StatusHandler reports the connection state and sync timestamps.
func StatusHandler(worker *Worker) gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, err := resolveBusinessID(c)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetBusinessIdInContext(c.Request.Context(), businessId)
		conn, err := worker.Store().Connection(ctx, businessId)
		if errors.Is(err, ErrNotConnected) {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{
					Status:   models.DeliveryPartnerStatusDisconnected,
					Provider: models.DeliveryProviderSwiftShip,
				},
			})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, StatusResponse{
			Connection: ConnectionResponse{
				Status:       conn.Status,
				Provider:     conn.Provider,
				MerchantId:   conn.MerchantId,
				MerchantName: conn.MerchantName,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
		})
	}
}

// resolveBusinessID maps the session user to their business. Admins may act
// on another business via the business_id query param.
func resolveBusinessID(c *gin.Context) (string, error) {
	username, ok := utils.GetUsernameFromContext(c.Request.Context())
	if !ok || strings.TrimSpace(username) == "" {
		return "", errors.New("unauthorized")
	}

	user, err := models.GetUserByUsername(c.Request.Context(), username)
	if err != nil {
		return "", err
	}

	requested := strings.TrimSpace(c.Query("business_id"))
	if requested != "" && requested != user.BusinessId {
		if user.Role != models.UserRoleAdmin {
			return "", errors.New("unauthorized")
		}
		return requested, nil
	}

	businessId := strings.TrimSpace(user.BusinessId)
	if businessId == "" {
		return "", errors.New("business_id is required")
	}
	return businessId, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.DeliverySyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:                run.ID,
		Status:            run.Status,
		StartedAt:         formatTime(run.StartedAt),
		FinishedAt:        formatTime(run.FinishedAt),
		DurationMs:        run.DurationMs,
		InvoicesUpserted:  run.InvoicesUpserted,
		InvoicesProcessed: run.InvoicesProcessed,
		InvoicesFailed:    run.InvoicesFailed,
		OrdersLinked:      run.OrdersLinked,
		ErrorCount:        run.ErrorCount,
		TriggeredBy:       run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.DeliverySyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			ErrorCode:  errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
