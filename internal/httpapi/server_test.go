package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/catalog"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/observability"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payment"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/tokenledger/pkg/ledger"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	userSigningKey       = "user-signing-key"
	adminSigningKey      = "admin-signing-key"
	tokenIssuerName      = "tokenledger-test"
	userIDValue          = "user-1"
	otherUserIDValue     = "user-2"
	adminIDValue         = "admin-9"
	errorMismatchMessage = "expected %v, got %v"
)

var baseTime = time.Date(2026, time.May, 2, 10, 0, 0, 0, time.UTC)

type testServer struct {
	router      *gin.Engine
	userIssuer  *TokenIssuer
	adminIssuer *TokenIssuer
}

func newTestServer(test *testing.T) testServer {
	test.Helper()
	databasePath := filepath.Join(test.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.AutoMigrate(db); err != nil {
		test.Fatalf("auto migrate: %v", err)
	}
	store := gormstore.New(db)
	packages, err := catalog.New(catalog.DefaultPackages())
	if err != nil {
		test.Fatalf("catalog: %v", err)
	}
	recorder := observability.NewRecorder()
	var clockMutex sync.Mutex
	current := baseTime
	clock := func() time.Time {
		clockMutex.Lock()
		defer clockMutex.Unlock()
		current = current.Add(time.Second)
		return current
	}
	service, err := ledger.NewService(store, store, clock,
		ledger.WithSummaryReader(store),
		ledger.WithPackageCatalog(packages),
		ledger.WithPaymentGateway(payment.NewDemoGateway()),
		ledger.WithOperationLogger(recorder),
	)
	if err != nil {
		test.Fatalf("service: %v", err)
	}

	userTokens, err := NewTokenValidator(userSigningKey, tokenIssuerName, "")
	if err != nil {
		test.Fatalf("user validator: %v", err)
	}
	adminTokens, err := NewTokenValidator(adminSigningKey, tokenIssuerName, RoleAdmin)
	if err != nil {
		test.Fatalf("admin validator: %v", err)
	}
	router, err := NewRouter(service, RouterConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		UserTokens:     userTokens,
		AdminTokens:    adminTokens,
		Metrics:        recorder,
	})
	if err != nil {
		test.Fatalf("router: %v", err)
	}
	userIssuer, err := NewTokenIssuer(userSigningKey, tokenIssuerName, nil)
	if err != nil {
		test.Fatalf("user issuer: %v", err)
	}
	adminIssuer, err := NewTokenIssuer(adminSigningKey, tokenIssuerName, nil)
	if err != nil {
		test.Fatalf("admin issuer: %v", err)
	}
	return testServer{router: router, userIssuer: userIssuer, adminIssuer: adminIssuer}
}

func (server testServer) userToken(test *testing.T, subject string) string {
	test.Helper()
	token, err := server.userIssuer.Issue(subject, Claims{UserType: "artist", UserTypeID: "artist-1"}, time.Hour)
	if err != nil {
		test.Fatalf("issue user token: %v", err)
	}
	return token
}

func (server testServer) adminToken(test *testing.T) string {
	test.Helper()
	token, err := server.adminIssuer.Issue(adminIDValue, Claims{Role: RoleAdmin}, time.Hour)
	if err != nil {
		test.Fatalf("issue admin token: %v", err)
	}
	return token
}

func (server testServer) do(test *testing.T, method string, path string, token string, body any) *httptest.ResponseRecorder {
	test.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		encoded, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	decoded := map[string]any{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return decoded
}

func errorCode(test *testing.T, recorder *httptest.ResponseRecorder) string {
	test.Helper()
	errorBody, _ := decodeBody(test, recorder)["error"].(map[string]any)
	code, _ := errorBody["code"].(string)
	return code
}

func grantBody(amount int64) map[string]any {
	return map[string]any{
		"userId":     userIDValue,
		"userType":   "artist",
		"userTypeId": "artist-1",
		"amount":     amount,
		"reason":     "support credit",
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	recorder := server.do(test, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, recorder.Code)
	}
}

func TestAuthenticationBoundaries(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	userToken := server.userToken(test, userIDValue)
	adminToken := server.adminToken(test)
	roleless, err := server.adminIssuer.Issue(adminIDValue, Claims{}, time.Hour)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	expired, err := server.userIssuer.Issue(userIDValue, Claims{}, time.Nanosecond)
	if err != nil {
		test.Fatalf("issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	testCases := []struct {
		name   string
		method string
		path   string
		token  string
	}{
		{name: "missing user token", method: http.MethodGet, path: "/api/tokens/balance"},
		{name: "garbage user token", method: http.MethodGet, path: "/api/tokens/balance", token: "not-a-jwt"},
		{name: "expired user token", method: http.MethodGet, path: "/api/tokens/balance", token: expired},
		{name: "admin token on user surface", method: http.MethodGet, path: "/api/tokens/balance", token: adminToken},
		{name: "user token on admin surface", method: http.MethodGet, path: "/admin/tokens/metrics", token: userToken},
		{name: "admin key without role", method: http.MethodGet, path: "/admin/tokens/metrics", token: roleless},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			recorder := server.do(test, testCase.method, testCase.path, testCase.token, nil)
			if recorder.Code != http.StatusUnauthorized {
				test.Fatalf(errorMismatchMessage, http.StatusUnauthorized, recorder.Code)
			}
			if code := errorCode(test, recorder); code != errorCodeUnauthorized {
				test.Fatalf(errorMismatchMessage, errorCodeUnauthorized, code)
			}
		})
	}
}

func TestUnknownUserBalanceIsZero(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	recorder := server.do(test, http.MethodGet, "/api/tokens/balance", server.userToken(test, userIDValue), nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, recorder.Code)
	}
	body := decodeBody(test, recorder)
	if body["balance"] != float64(0) || body["userId"] != userIDValue {
		test.Fatalf("unexpected balance body: %v", body)
	}
}

func TestAdminGrantIsAttributedManualAdjustment(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	recorder := server.do(test, http.MethodPost, "/admin/tokens/grant", server.adminToken(test), grantBody(10))
	if recorder.Code != http.StatusOK {
		test.Fatalf("grant status %d: %s", recorder.Code, recorder.Body.String())
	}
	grant := decodeBody(test, recorder)
	if grant["transactionType"] != ledger.TransactionManualAdjustment.String() || grant["newBalance"] != float64(10) {
		test.Fatalf("unexpected grant body: %v", grant)
	}

	transactionPath := "/api/tokens/transactions/" + grant["transactionId"].(string)
	detail := server.do(test, http.MethodGet, transactionPath, server.userToken(test, userIDValue), nil)
	if detail.Code != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, detail.Code)
	}
	metadata, _ := decodeBody(test, detail)["metadata"].(map[string]any)
	if metadata[ledger.MetadataKeyAdminUserID] != adminIDValue || metadata[ledger.MetadataKeyReason] != "support credit" {
		test.Fatalf("unexpected metadata: %v", metadata)
	}

	hidden := server.do(test, http.MethodGet, transactionPath, server.userToken(test, otherUserIDValue), nil)
	if hidden.Code != http.StatusNotFound {
		test.Fatalf(errorMismatchMessage, http.StatusNotFound, hidden.Code)
	}
}

func TestAdminGrantRejections(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	adminToken := server.adminToken(test)
	testCases := []struct {
		name string
		body any
		code string
	}{
		{name: "zero amount", body: grantBody(0), code: errorCodeInvalidRequest},
		{name: "blank reason", body: map[string]any{"userId": userIDValue, "amount": 5}, code: errorCodeInvalidRequest},
		{name: "missing user", body: map[string]any{"amount": 5, "reason": "x"}, code: errorCodeInvalidRequest},
		{name: "not json", body: "plain", code: errorCodeInvalidPayload},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			recorder := server.do(test, http.MethodPost, "/admin/tokens/grant", adminToken, testCase.body)
			if recorder.Code != http.StatusBadRequest {
				test.Fatalf(errorMismatchMessage, http.StatusBadRequest, recorder.Code)
			}
			if code := errorCode(test, recorder); code != testCase.code {
				test.Fatalf(errorMismatchMessage, testCase.code, code)
			}
		})
	}
}

func TestPurchaseFlow(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	userToken := server.userToken(test, userIDValue)

	purchase := server.do(test, http.MethodPost, "/api/tokens/purchase", userToken, map[string]any{
		"packageId":   "starter",
		"paymentData": map[string]any{"method": "card", "last4": "4242"},
	})
	if purchase.Code != http.StatusOK {
		test.Fatalf("purchase status %d: %s", purchase.Code, purchase.Body.String())
	}
	body := decodeBody(test, purchase)
	balance, _ := body["balance"].(map[string]any)
	if balance["balance"] != float64(10) || balance["totalPurchased"] != float64(10) || balance["lastPurchaseAt"] == nil {
		test.Fatalf("unexpected purchase balance: %v", balance)
	}
	if confirmation, _ := body["paymentConfirmation"].(string); !strings.HasPrefix(confirmation, "DEMO-") {
		test.Fatalf("unexpected confirmation: %v", body["paymentConfirmation"])
	}

	detail := server.do(test, http.MethodGet, "/api/tokens/transactions/"+body["transactionId"].(string), userToken, nil)
	transaction := decodeBody(test, detail)
	if transaction["status"] != ledger.TransactionCompleted.String() || transaction["amount"] != float64(10) {
		test.Fatalf("unexpected purchase transaction: %v", transaction)
	}
	metadata, _ := transaction["metadata"].(map[string]any)
	reference, _ := metadata[ledger.MetadataKeyPaymentReference].(string)
	if reference == "" {
		test.Fatalf("expected payment reference in %v", metadata)
	}

	status := server.do(test, http.MethodGet, "/admin/payments/"+reference, server.adminToken(test), nil)
	if status.Code != http.StatusOK || decodeBody(test, status)["amountCents"] != float64(999) {
		test.Fatalf("unexpected payment status %d: %s", status.Code, status.Body.String())
	}
	unknown := server.do(test, http.MethodGet, "/admin/payments/demo_missing", server.adminToken(test), nil)
	if unknown.Code != http.StatusNotFound {
		test.Fatalf(errorMismatchMessage, http.StatusNotFound, unknown.Code)
	}
}

func TestPurchaseFailures(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	userToken := server.userToken(test, userIDValue)
	testCases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{name: "declined", body: map[string]any{"packageId": "starter", "paymentData": map[string]any{"method": payment.DemoDeclineMethod}}, status: http.StatusPaymentRequired, code: errorCodePaymentFailed},
		{name: "unknown package", body: map[string]any{"packageId": "mega", "paymentData": map[string]any{"method": "card"}}, status: http.StatusBadRequest, code: errorCodePackageNotFound},
		{name: "missing package", body: map[string]any{"paymentData": map[string]any{"method": "card"}}, status: http.StatusBadRequest, code: errorCodePackageNotFound},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			recorder := server.do(test, http.MethodPost, "/api/tokens/purchase", userToken, testCase.body)
			if recorder.Code != testCase.status {
				test.Fatalf(errorMismatchMessage, testCase.status, recorder.Code)
			}
			if code := errorCode(test, recorder); code != testCase.code {
				test.Fatalf(errorMismatchMessage, testCase.code, code)
			}
		})
	}
}

func TestDeclinedPurchaseLeavesFailedRow(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	userToken := server.userToken(test, userIDValue)
	declined := server.do(test, http.MethodPost, "/api/tokens/purchase", userToken, map[string]any{
		"packageId":   "starter",
		"paymentData": map[string]any{"method": payment.DemoDeclineMethod},
	})
	errorBody, _ := decodeBody(test, declined)["error"].(map[string]any)
	transactionID, _ := errorBody["transactionId"].(string)
	if transactionID == "" || errorBody["errorCode"] != "card_declined" {
		test.Fatalf("unexpected failure body: %v", errorBody)
	}
	detail := decodeBody(test, server.do(test, http.MethodGet, "/api/tokens/transactions/"+transactionID, userToken, nil))
	if detail["status"] != ledger.TransactionFailed.String() {
		test.Fatalf("unexpected failed row: %v", detail)
	}
	failedMetadata, _ := detail["metadata"].(map[string]any)
	if failedMetadata[ledger.MetadataKeyErrorCode] != "card_declined" {
		test.Fatalf("unexpected failed metadata: %v", failedMetadata)
	}
	balance := decodeBody(test, server.do(test, http.MethodGet, "/api/tokens/balance", userToken, nil))
	if balance["balance"] != float64(0) {
		test.Fatalf(errorMismatchMessage, 0, balance["balance"])
	}
}

func TestTransactionListing(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	adminToken := server.adminToken(test)
	for index := 0; index < 3; index++ {
		if recorder := server.do(test, http.MethodPost, "/admin/tokens/grant", adminToken, grantBody(2)); recorder.Code != http.StatusOK {
			test.Fatalf("grant %d: %s", index, recorder.Body.String())
		}
	}
	userToken := server.userToken(test, userIDValue)
	testCases := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{name: "default page", query: "", status: http.StatusOK, count: 3},
		{name: "limited", query: "?limit=2", status: http.StatusOK, count: 2},
		{name: "offset", query: "?limit=2&offset=2", status: http.StatusOK, count: 1},
		{name: "type filter", query: "?type=consume", status: http.StatusOK, count: 0},
		{name: "non numeric limit", query: "?limit=ten", status: http.StatusBadRequest},
		{name: "oversized limit", query: "?limit=1000", status: http.StatusBadRequest},
		{name: "unknown type", query: "?type=refund", status: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			recorder := server.do(test, http.MethodGet, "/api/tokens/transactions"+testCase.query, userToken, nil)
			if recorder.Code != testCase.status {
				test.Fatalf(errorMismatchMessage, testCase.status, recorder.Code)
			}
			if testCase.status != http.StatusOK {
				return
			}
			transactions, _ := decodeBody(test, recorder)["transactions"].([]any)
			if len(transactions) != testCase.count {
				test.Fatalf(errorMismatchMessage, testCase.count, len(transactions))
			}
		})
	}
}

func TestPackagesListing(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	recorder := server.do(test, http.MethodGet, "/api/tokens/packages", server.userToken(test, userIDValue), nil)
	packages, _ := decodeBody(test, recorder)["packages"].([]any)
	if len(packages) != len(catalog.DefaultPackages()) {
		test.Fatalf(errorMismatchMessage, len(catalog.DefaultPackages()), len(packages))
	}
	first, _ := packages[0].(map[string]any)
	if first["id"] != "starter" || first["priceCents"] != float64(999) {
		test.Fatalf("unexpected first package: %v", first)
	}
}

func TestAdminSummaryAndMetrics(test *testing.T) {
	test.Parallel()
	server := newTestServer(test)
	adminToken := server.adminToken(test)
	if recorder := server.do(test, http.MethodPost, "/admin/tokens/grant", adminToken, grantBody(4)); recorder.Code != http.StatusOK {
		test.Fatalf("grant: %s", recorder.Body.String())
	}

	summary := decodeBody(test, server.do(test, http.MethodGet, "/admin/tokens/metrics", adminToken, nil))
	if summary["accounts"] != float64(1) || summary["outstandingBalance"] != float64(4) || summary["totalGranted"] != float64(4) {
		test.Fatalf("unexpected summary: %v", summary)
	}

	metrics := server.do(test, http.MethodGet, "/admin/metrics", adminToken, nil)
	if metrics.Code != http.StatusOK {
		test.Fatalf(errorMismatchMessage, http.StatusOK, metrics.Code)
	}
	exposition := metrics.Body.String()
	for _, expected := range []string{"tokenledger_http_requests_total", "tokenledger_operations_total", `tokenledger_tokens_total{transaction_type="MANUAL_ADJUSTMENT"} 4`} {
		if !strings.Contains(exposition, expected) {
			test.Fatalf("expected %q in exposition", expected)
		}
	}
}

func TestNewRouterRequiresCollaborators(test *testing.T) {
	test.Parallel()
	if _, err := NewRouter(nil, RouterConfig{}); err == nil {
		test.Fatalf("expected error for missing service")
	}
}
