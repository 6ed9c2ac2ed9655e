package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarkoPoloResearchLab/tokenledger/internal/config"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tokenledger/internal/payment"
)

const errorMismatchMessage = "expected %v, got %v"

func executeCommand(test *testing.T, args ...string) (string, error) {
	test.Helper()
	cmd := newRootCommand()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return output.String(), err
}

func TestResolveDriver(test *testing.T) {
	test.Parallel()
	directory := test.TempDir()
	testCases := []struct {
		name         string
		dsn          string
		expectDriver string
		expectPath   string
	}{
		{name: "postgres", dsn: "postgres://ledger@localhost/ledger", expectDriver: driverPostgres},
		{name: "postgresql", dsn: "postgresql://ledger@localhost/ledger", expectDriver: driverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(directory, "url", "ledger.db"), expectDriver: driverSQLite, expectPath: filepath.Join(directory, "url", "ledger.db")},
		{name: "plain path", dsn: filepath.Join(directory, "plain", "ledger.db"), expectDriver: driverSQLite, expectPath: filepath.Join(directory, "plain", "ledger.db")},
		{name: "memory", dsn: ":memory:", expectDriver: driverSQLite, expectPath: ":memory:"},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			driver, path, err := resolveDriver(testCase.dsn)
			if err != nil {
				test.Fatalf("resolve: %v", err)
			}
			if driver != testCase.expectDriver {
				test.Fatalf(errorMismatchMessage, testCase.expectDriver, driver)
			}
			if path != testCase.expectPath {
				test.Fatalf(errorMismatchMessage, testCase.expectPath, path)
			}
			if testCase.expectPath != "" && testCase.expectPath != ":memory:" {
				if _, statErr := os.Stat(filepath.Dir(path)); statErr != nil {
					test.Fatalf("expected parent directory: %v", statErr)
				}
			}
		})
	}
}

func TestNewPaymentGateway(test *testing.T) {
	test.Parallel()
	gateway, err := newPaymentGateway(config.Config{PaymentProvider: config.PaymentProviderDemo})
	if err != nil {
		test.Fatalf("demo gateway: %v", err)
	}
	if _, ok := gateway.(*payment.DemoGateway); !ok {
		test.Fatalf("expected demo gateway, got %T", gateway)
	}
	gateway, err = newPaymentGateway(config.Config{PaymentProvider: config.PaymentProviderHTTP, PaymentBaseURL: "https://payments.example.com"})
	if err != nil {
		test.Fatalf("http gateway: %v", err)
	}
	if _, ok := gateway.(*payment.HTTPGateway); !ok {
		test.Fatalf("expected http gateway, got %T", gateway)
	}
	if _, err := newPaymentGateway(config.Config{PaymentProvider: config.PaymentProviderHTTP}); err == nil {
		test.Fatalf("expected error for missing base url")
	}
}

func TestMigrateThenGrant(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "ledger.db")
	output, err := executeCommand(test, "migrate", "--database-url", databaseURL)
	if err != nil {
		test.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(output, "schema up to date") {
		test.Fatalf("unexpected migrate output: %q", output)
	}

	for _, expectedBalance := range []string{"new balance 5", "new balance 10"} {
		output, err = executeCommand(test, "grant",
			"--database-url", databaseURL,
			"--user-id", "user-1",
			"--user-type", "artist",
			"--amount", "5",
			"--reason", "support credit",
			"--admin-id", "ops-1",
		)
		if err != nil {
			test.Fatalf("grant: %v", err)
		}
		if !strings.Contains(output, "MANUAL_ADJUSTMENT") || !strings.Contains(output, expectedBalance) {
			test.Fatalf("unexpected grant output: %q", output)
		}
	}
}

func TestGrantRejectsNonPositiveAmount(test *testing.T) {
	databaseURL := "sqlite://" + filepath.Join(test.TempDir(), "ledger.db")
	_, err := executeCommand(test, "grant",
		"--database-url", databaseURL,
		"--user-id", "user-1",
		"--amount", "0",
		"--reason", "support credit",
		"--admin-id", "ops-1",
	)
	if err == nil {
		test.Fatalf("expected error for zero amount")
	}
}

func TestTokenCommandIssuesVerifiableTokens(test *testing.T) {
	configPath := filepath.Join(test.TempDir(), "tokenledger.yaml")
	content := []byte("user_signing_key: user-secret\nadmin_signing_key: admin-secret\nservice_signing_key: service-secret\ntoken_issuer: ledger-test\n")
	if err := os.WriteFile(configPath, content, 0o600); err != nil {
		test.Fatalf("write config: %v", err)
	}

	userOutput, err := executeCommand(test, "token", "--config", configPath, "--subject", "user-1", "--user-type", "artist")
	if err != nil {
		test.Fatalf("user token: %v", err)
	}
	userValidator, err := httpapi.NewTokenValidator("user-secret", "ledger-test", "")
	if err != nil {
		test.Fatalf("validator: %v", err)
	}
	claims, err := userValidator.Validate(strings.TrimSpace(userOutput))
	if err != nil {
		test.Fatalf("validate user token: %v", err)
	}
	if claims.Subject != "user-1" || claims.UserType != "artist" {
		test.Fatalf("unexpected claims: %+v", claims)
	}

	adminOutput, err := executeCommand(test, "token", "--config", configPath, "--subject", "ops-1", "--admin")
	if err != nil {
		test.Fatalf("admin token: %v", err)
	}
	adminValidator, err := httpapi.NewTokenValidator("admin-secret", "ledger-test", httpapi.RoleAdmin)
	if err != nil {
		test.Fatalf("validator: %v", err)
	}
	if _, err := adminValidator.Validate(strings.TrimSpace(adminOutput)); err != nil {
		test.Fatalf("validate admin token: %v", err)
	}
	if _, err := userValidator.Validate(strings.TrimSpace(adminOutput)); err == nil {
		test.Fatalf("expected admin token to be rejected by the user validator")
	}

	serviceOutput, err := executeCommand(test, "token", "--config", configPath, "--subject", "render-service", "--service")
	if err != nil {
		test.Fatalf("service token: %v", err)
	}
	serviceValidator, err := httpapi.NewTokenValidator("service-secret", "ledger-test", httpapi.RoleService)
	if err != nil {
		test.Fatalf("validator: %v", err)
	}
	serviceClaims, err := serviceValidator.Validate(strings.TrimSpace(serviceOutput))
	if err != nil {
		test.Fatalf("validate service token: %v", err)
	}
	if serviceClaims.Subject != "render-service" {
		test.Fatalf("expected %v, got %v", "render-service", serviceClaims.Subject)
	}
	if _, err := adminValidator.Validate(strings.TrimSpace(serviceOutput)); err == nil {
		test.Fatalf("expected service token to be rejected by the admin validator")
	}
}
