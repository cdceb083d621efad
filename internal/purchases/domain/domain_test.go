package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
)

func TestErrorIs(t *testing.T) {
	t.Run("matches sentinel by code through wrapping", func(t *testing.T) {
		err := fmt.Errorf("post receipt: %w", domain.NewHTTPError(500, 7225, "internal"))

		if !errors.Is(err, domain.ErrHTTP) {
			t.Error("expected error to match ErrHTTP")
		}
		if errors.Is(err, domain.ErrTransport) {
			t.Error("did not expect error to match ErrTransport")
		}
		if got := domain.StatusCodeOf(err); got != 500 {
			t.Errorf("expected status 500, got %d", got)
		}
	})

	t.Run("unwraps the cause", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := domain.NewTransportError(cause)

		if !errors.Is(err, cause) {
			t.Error("expected cause to be reachable")
		}
		if domain.CodeOf(err) != domain.CodeTransport {
			t.Errorf("expected transport code, got %s", domain.CodeOf(err))
		}
	})

	t.Run("formats status and backend code", func(t *testing.T) {
		err := domain.NewHTTPError(400, 7102, "bad receipt")
		if err.Error() != "bad receipt (status 400, code 7102)" {
			t.Errorf("unexpected message %q", err.Error())
		}
	})
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from domain.Phase
		to   domain.Phase
		want bool
	}{
		{"purchasing to purchased", domain.PhasePurchasing, domain.PhasePurchased, true},
		{"purchased to submitting", domain.PhasePurchased, domain.PhaseSubmitting, true},
		{"submitting to finalized", domain.PhaseSubmitting, domain.PhaseFinalized, true},
		{"submitting to retryable", domain.PhaseSubmitting, domain.PhaseRetryableFailed, true},
		{"retryable redelivered", domain.PhaseRetryableFailed, domain.PhasePurchased, true},
		{"finalized is terminal", domain.PhaseFinalized, domain.PhaseSubmitting, false},
		{"failed is terminal", domain.PhaseFailed, domain.PhasePurchased, false},
		{"purchasing cannot submit", domain.PhasePurchasing, domain.PhaseSubmitting, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseSubscriberState(t *testing.T) {
	t.Run("parses entitlements and non subscriptions", func(t *testing.T) {
		body := []byte(`{
			"request_date": "2026-01-02T10:00:00Z",
			"subscriber": {
				"original_app_user_id": "user-1",
				"first_seen": "2025-01-01T00:00:00Z",
				"entitlements": {
					"pro": {"product_identifier": "pro_monthly", "purchase_date": "2026-01-01T00:00:00Z", "expires_date": "2026-02-01T00:00:00Z"},
					"lifetime": {"product_identifier": "lifetime", "purchase_date": "2025-06-01T00:00:00Z", "expires_date": null}
				},
				"subscriptions": {},
				"non_subscriptions": {"coins": [{"id": "abc", "store_transaction_id": "tx-9", "purchase_date": "2026-01-01T00:00:00Z"}]}
			}
		}`)

		state, err := domain.ParseSubscriberState(body)
		if err != nil {
			t.Fatalf("ParseSubscriberState() failed: %v", err)
		}

		if state.Subscriber.OriginalAppUserID != "user-1" {
			t.Errorf("expected original app user id user-1, got %s", state.Subscriber.OriginalAppUserID)
		}

		now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		active := state.ActiveEntitlements(now)
		if len(active) != 1 || active[0] != "lifetime" {
			t.Errorf("expected only lifetime to be active, got %v", active)
		}

		if !state.HasNonSubscriptionTransaction("tx-9") {
			t.Error("expected tx-9 to be known")
		}
	})

	t.Run("rejects payload without subscriber", func(t *testing.T) {
		if _, err := domain.ParseSubscriberState([]byte(`{"request_date": "2026-01-02T10:00:00Z"}`)); err == nil {
			t.Fatal("expected error, got nil")
		}
	})

	t.Run("rejects malformed json", func(t *testing.T) {
		if _, err := domain.ParseSubscriberState([]byte(`{`)); err == nil {
			t.Fatal("expected error, got nil")
		}
	})
}

func TestProductInfo(t *testing.T) {
	t.Run("free trial is reported as trial duration", func(t *testing.T) {
		product := domain.Product{
			Identifier:         "pro_monthly",
			Type:               domain.ProductTypeAutoRenewable,
			Price:              "9.99",
			CurrencyCode:       "USD",
			SubscriptionPeriod: "P1M",
			IntroductoryOffer:  &domain.Discount{Price: "0", PaymentMode: domain.PaymentModeFreeTrial, Period: "P1W"},
		}

		info := product.Info()
		if info.TrialDuration != "P1W" {
			t.Errorf("expected trial duration P1W, got %q", info.TrialDuration)
		}
		if info.IntroDuration != "" {
			t.Errorf("expected no intro duration, got %q", info.IntroDuration)
		}
		if info.NormalDuration != "P1M" {
			t.Errorf("expected normal duration P1M, got %q", info.NormalDuration)
		}
	})

	t.Run("paid intro offer is reported as intro duration", func(t *testing.T) {
		product := domain.Product{
			Identifier:        "pro_yearly",
			IntroductoryOffer: &domain.Discount{Price: "0.99", PaymentMode: domain.PaymentModePayUpFront, Period: "P1M"},
		}

		if info := product.Info(); info.IntroDuration != "P1M" {
			t.Errorf("expected intro duration P1M, got %q", info.IntroDuration)
		}
	})
}

func TestParseProductEntitlementMapping(t *testing.T) {
	body := []byte(`{"product_entitlement_mapping": {"pro_monthly": {"product_identifier": "pro_monthly", "entitlements": ["pro"]}}}`)

	mapping, err := domain.ParseProductEntitlementMapping(body)
	if err != nil {
		t.Fatalf("ParseProductEntitlementMapping() failed: %v", err)
	}

	if got := mapping.Products["pro_monthly"]; len(got) != 1 || got[0] != "pro" {
		t.Errorf("expected [pro], got %v", got)
	}
}
