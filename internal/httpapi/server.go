package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/observability"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payment"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userClaimsKey  = "user_claims"
	adminClaimsKey = "admin_claims"

	errorCodeUnauthorized       = "unauthorized"
	errorCodeInvalidPayload     = "invalid_payload"
	errorCodeInvalidRequest     = "invalid_request"
	errorCodeInsufficientTokens = "insufficient_tokens"
	errorCodePaymentFailed      = "payment_failed"
	errorCodePackageNotFound    = "package_not_found"
	errorCodeNotFound           = "not_found"
	errorCodeUnavailable        = "unavailable"
	errorCodeInternal           = "internal_error"
)

var errInvalidRouterConfig = errors.New("invalid router config")

// RouterConfig wires the HTTP surface to its collaborators.
type RouterConfig struct {
	AllowedOrigins []string
	UserTokens     *TokenValidator
	AdminTokens    *TokenValidator
	Metrics        *observability.Recorder
	Logger         *zap.Logger
}

// NewRouter builds the gin engine serving the user and admin surfaces.
func NewRouter(service *ledger.Service, cfg RouterConfig) (*gin.Engine, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: ledger service is required", errInvalidRouterConfig)
	}
	if cfg.UserTokens == nil || cfg.AdminTokens == nil {
		return nil, fmt.Errorf("%w: user and admin token validators are required", errInvalidRouterConfig)
	}
	if cfg.Metrics == nil {
		return nil, fmt.Errorf("%w: metrics recorder is required", errInvalidRouterConfig)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	handler := &httpHandler{service: service, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observeRequests(cfg.Metrics))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	tokens := router.Group("/api/tokens")
	tokens.Use(cfg.UserTokens.GinMiddleware(userClaimsKey))
	tokens.GET("/balance", handler.handleBalance)
	tokens.GET("/transactions", handler.handleTransactions)
	tokens.GET("/transactions/:id", handler.handleTransaction)
	tokens.GET("/packages", handler.handlePackages)
	tokens.POST("/purchase", handler.handlePurchase)

	admin := router.Group("/admin")
	admin.Use(cfg.AdminTokens.GinMiddleware(adminClaimsKey))
	admin.POST("/tokens/grant", handler.handleGrant)
	admin.GET("/tokens/metrics", handler.handleSummary)
	admin.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	admin.GET("/payments/:reference", handler.handlePaymentStatus)

	return router, nil
}

func observeRequests(recorder *observability.Recorder) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.ObserveHTTP(ctx.Request.Method, route, ctx.Writer.Status(), time.Since(started))
	}
}

type httpHandler struct {
	service *ledger.Service
	logger  *zap.Logger
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	owner, ok := ownerFromClaims(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.Balance(ctx.Request.Context(), owner)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newBalancePayload(balance))
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	owner, ok := ownerFromClaims(ctx)
	if !ok {
		return
	}
	limit, limitErr := queryInt(ctx, "limit")
	offset, offsetErr := queryInt(ctx, "offset")
	if limitErr != nil || offsetErr != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, "limit and offset must be integers"))
		return
	}
	filter, err := ledger.NewTransactionFilter(limit, offset, ctx.Query("type"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transactions, err := handler.service.Transactions(ctx.Request.Context(), owner.UserID(), filter)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, newTransactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactions": payloads,
		"limit":        filter.Limit(),
		"offset":       filter.Offset(),
	})
}

func (handler *httpHandler) handleTransaction(ctx *gin.Context) {
	owner, ok := ownerFromClaims(ctx)
	if !ok {
		return
	}
	transactionID, err := ledger.NewTransactionID(ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	transaction, err := handler.service.Transaction(ctx.Request.Context(), owner.UserID(), transactionID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, newTransactionPayload(transaction))
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages, err := handler.service.Packages(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payloads := make([]packagePayload, 0, len(packages))
	for _, tokenPackage := range packages {
		payloads = append(payloads, newPackagePayload(tokenPackage))
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payloads})
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	owner, ok := ownerFromClaims(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	packageID, err := ledger.NewPackageID(request.PackageID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	result, err := handler.service.Purchase(ctx.Request.Context(), ledger.PurchaseRequest{
		Owner:     owner,
		PackageID: packageID,
		Payment:   request.paymentDetails(),
		Metadata:  ledger.Metadata(request.Metadata),
		Client:    clientInfo(ctx),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactionId":       result.TransactionID.String(),
		"paymentConfirmation": result.PaymentConfirmation,
		"balance":             newBalancePayload(result.Balance),
	})
}

func (handler *httpHandler) handleGrant(ctx *gin.Context) {
	adminClaims, ok := claimsFromContext(ctx, adminClaimsKey)
	if !ok {
		return
	}
	var request grantRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	owner, err := ledger.NewOwner(request.UserID, request.UserType, request.UserTypeID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := ledger.NewTokenAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	metadata := ledger.Metadata(request.Metadata).With(ledger.MetadataKeyAdminUserID, adminClaims.Subject)
	result, err := handler.service.Grant(ctx.Request.Context(), ledger.GrantRequest{
		Owner:    owner,
		Amount:   amount,
		Reason:   request.Reason,
		Metadata: metadata,
		Client:   clientInfo(ctx),
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transactionId":   result.TransactionID.String(),
		"transactionType": result.TransactionType.String(),
		"newBalance":      result.NewBalance,
	})
}

func (handler *httpHandler) handleSummary(ctx *gin.Context) {
	summary, err := handler.service.Summary(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"accounts":           summary.Accounts,
		"outstandingBalance": summary.OutstandingBalance,
		"totalPurchased":     summary.TotalPurchased,
		"totalConsumed":      summary.TotalConsumed,
		"totalGranted":       summary.TotalGranted,
	})
}

func (handler *httpHandler) handlePaymentStatus(ctx *gin.Context) {
	state, err := handler.service.PaymentStatus(ctx.Request.Context(), ctx.Param("reference"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reference":   state.Reference,
		"status":      state.Status,
		"amountCents": state.AmountCents,
		"currency":    state.Currency,
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	var insufficientError *ledger.InsufficientTokensError
	var failureError *ledger.PaymentFailureError
	switch {
	case errors.As(err, &insufficientError):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":            errorCodeInsufficientTokens,
				"message":         "insufficient tokens",
				"currentBalance":  insufficientError.CurrentBalance,
				"requestedAmount": insufficientError.RequestedAmount,
			},
		})
	case errors.As(err, &failureError):
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":          errorCodePaymentFailed,
				"message":       failureError.Reason,
				"errorCode":     failureError.Code,
				"transactionId": failureError.TransactionID,
			},
		})
	case errors.Is(err, ledger.ErrPackageNotFound), errors.Is(err, ledger.ErrInvalidPackageID):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodePackageNotFound, "package not found"))
	case errors.Is(err, ledger.ErrTransactionNotFound), errors.Is(err, payment.ErrUnknownPayment):
		ctx.JSON(http.StatusNotFound, errorResponse(errorCodeNotFound, "not found"))
	case isValidationError(err):
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidRequest, err.Error()))
	case errors.Is(err, ledger.ErrInvalidServiceConfig):
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeUnavailable, "operation not configured"))
	default:
		handler.logger.Error("ledger request failed", zap.String("route", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeInternal, "internal error"))
	}
}

func isValidationError(err error) bool {
	validationErrors := []error{
		ledger.ErrInvalidUserID,
		ledger.ErrInvalidTokenAmount,
		ledger.ErrInvalidReason,
		ledger.ErrInvalidPagination,
		ledger.ErrInvalidTransactionType,
		ledger.ErrInvalidTransactionID,
		ledger.ErrInvalidMetadata,
		ledger.ErrInvalidTransaction,
	}
	for _, validationError := range validationErrors {
		if errors.Is(err, validationError) {
			return true
		}
	}
	return false
}

func claimsFromContext(ctx *gin.Context, key string) (*Claims, bool) {
	value, found := ctx.Get(key)
	claims, ok := value.(*Claims)
	if !found || !ok || claims == nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing claims"))
		return nil, false
	}
	return claims, true
}

func ownerFromClaims(ctx *gin.Context) (ledger.Owner, bool) {
	claims, ok := claimsFromContext(ctx, userClaimsKey)
	if !ok {
		return ledger.Owner{}, false
	}
	owner, err := ledger.NewOwner(claims.Subject, claims.UserType, claims.UserTypeID)
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized, "missing subject"))
		return ledger.Owner{}, false
	}
	return owner, true
}

func clientInfo(ctx *gin.Context) ledger.ClientInfo {
	return ledger.ClientInfo{IPAddress: ctx.ClientIP(), UserAgent: ctx.Request.UserAgent()}
}

func queryInt(ctx *gin.Context, key string) (int, error) {
	raw := ctx.Query(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
