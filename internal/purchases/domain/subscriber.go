package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SubscriberState is the entitlement snapshot the backend returns for one owner.
type SubscriberState struct {
	RequestDate   time.Time  `json:"request_date"`
	SchemaVersion string     `json:"schema_version,omitempty"`
	Subscriber    Subscriber `json:"subscriber"`
}

type Subscriber struct {
	OriginalAppUserID    string                                  `json:"original_app_user_id"`
	FirstSeen            time.Time                               `json:"first_seen"`
	OriginalPurchaseDate *time.Time                              `json:"original_purchase_date,omitempty"`
	ManagementURL        string                                  `json:"management_url,omitempty"`
	Entitlements         map[string]Entitlement                  `json:"entitlements"`
	Subscriptions        map[string]Subscription                 `json:"subscriptions"`
	NonSubscriptions     map[string][]NonSubscriptionTransaction `json:"non_subscriptions"`
}

type Entitlement struct {
	ProductIdentifier string     `json:"product_identifier"`
	PurchaseDate      time.Time  `json:"purchase_date"`
	ExpiresDate       *time.Time `json:"expires_date"`
}

type Subscription struct {
	PurchaseDate            time.Time  `json:"purchase_date"`
	ExpiresDate             *time.Time `json:"expires_date"`
	PeriodType              string     `json:"period_type,omitempty"`
	Store                   string     `json:"store,omitempty"`
	IsSandbox               bool       `json:"is_sandbox"`
	UnsubscribeDetectedAt   *time.Time `json:"unsubscribe_detected_at,omitempty"`
	BillingIssuesDetectedAt *time.Time `json:"billing_issues_detected_at,omitempty"`
}

type NonSubscriptionTransaction struct {
	ID                 string    `json:"id"`
	StoreTransactionID string    `json:"store_transaction_id"`
	PurchaseDate       time.Time `json:"purchase_date"`
	IsSandbox          bool      `json:"is_sandbox"`
}

var errMissingSubscriber = errors.New("subscriber is missing")

// ParseSubscriberState decodes a backend payload and checks the fields the
// cache relies on.
func ParseSubscriberState(body []byte) (*SubscriberState, error) {
	var envelope struct {
		SubscriberState
		Subscriber *Subscriber `json:"subscriber"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode subscriber state: %w", err)
	}
	if envelope.Subscriber == nil {
		return nil, errMissingSubscriber
	}

	state := envelope.SubscriberState
	state.Subscriber = *envelope.Subscriber
	return &state, nil
}

// ActiveEntitlements returns identifiers of entitlements that have not expired at now.
func (s *SubscriberState) ActiveEntitlements(now time.Time) []string {
	var active []string
	for id, ent := range s.Subscriber.Entitlements {
		if ent.ExpiresDate == nil || ent.ExpiresDate.After(now) {
			active = append(active, id)
		}
	}
	return active
}

// HasNonSubscriptionTransaction reports whether the backend already knows a
// one-time purchase with the given store transaction id.
func (s *SubscriberState) HasNonSubscriptionTransaction(storeTransactionID string) bool {
	for _, txs := range s.Subscriber.NonSubscriptions {
		for _, tx := range txs {
			if tx.StoreTransactionID == storeTransactionID {
				return true
			}
		}
	}
	return false
}

type Offerings struct {
	CurrentOfferingID string     `json:"current_offering_id"`
	Offerings         []Offering `json:"offerings"`
}

type Offering struct {
	Identifier  string    `json:"identifier"`
	Description string    `json:"description"`
	Packages    []Package `json:"packages"`
}

type Package struct {
	Identifier                string `json:"identifier"`
	PlatformProductIdentifier string `json:"platform_product_identifier"`
}

func ParseOfferings(body []byte) (*Offerings, error) {
	var offerings Offerings
	if err := json.Unmarshal(body, &offerings); err != nil {
		return nil, fmt.Errorf("decode offerings: %w", err)
	}
	if offerings.Offerings == nil {
		return nil, errors.New("offerings list is missing")
	}
	return &offerings, nil
}

// Current returns the offering marked current by the backend, if any.
func (o *Offerings) Current() (*Offering, bool) {
	for i := range o.Offerings {
		if o.Offerings[i].Identifier == o.CurrentOfferingID {
			return &o.Offerings[i], true
		}
	}
	return nil, false
}

// ProductIdentifiers lists every product referenced by any package.
func (o *Offerings) ProductIdentifiers() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, offering := range o.Offerings {
		for _, pkg := range offering.Packages {
			if _, ok := seen[pkg.PlatformProductIdentifier]; ok || pkg.PlatformProductIdentifier == "" {
				continue
			}
			seen[pkg.PlatformProductIdentifier] = struct{}{}
			ids = append(ids, pkg.PlatformProductIdentifier)
		}
	}
	return ids
}

// SubscriberAttribute is a key/value pair set locally and mirrored to the backend.
type SubscriberAttribute struct {
	Key      string    `json:"key"`
	Value    string    `json:"value"`
	IsSynced bool      `json:"is_synced"`
	SetAt    time.Time `json:"set_time"`
}

// AttributeError is a per-attribute rejection reported by the backend.
type AttributeError struct {
	KeyName string `json:"key_name"`
	Message string `json:"message"`
}

// AttributeSyncResult reports what the backend did with posted attributes.
type AttributeSyncResult struct {
	Synced bool
	Errors []AttributeError
}

type IntroEligibility int

const (
	IntroEligibilityUnknown IntroEligibility = iota
	IntroEligibilityIneligible
	IntroEligibilityEligible
)

func (e IntroEligibility) String() string {
	switch e {
	case IntroEligibilityIneligible:
		return "ineligible"
	case IntroEligibilityEligible:
		return "eligible"
	default:
		return "unknown"
	}
}

func (e IntroEligibility) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// ProductEntitlementMapping maps product identifiers to the entitlements they unlock.
type ProductEntitlementMapping struct {
	Products map[string][]string `json:"products"`
}

func ParseProductEntitlementMapping(body []byte) (*ProductEntitlementMapping, error) {
	var raw struct {
		ProductEntitlementMapping map[string]struct {
			ProductIdentifier string   `json:"product_identifier"`
			Entitlements      []string `json:"entitlements"`
		} `json:"product_entitlement_mapping"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode product entitlement mapping: %w", err)
	}
	if raw.ProductEntitlementMapping == nil {
		return nil, errors.New("product entitlement mapping is missing")
	}

	mapping := &ProductEntitlementMapping{Products: make(map[string][]string, len(raw.ProductEntitlementMapping))}
	for key, entry := range raw.ProductEntitlementMapping {
		id := entry.ProductIdentifier
		if id == "" {
			id = key
		}
		mapping.Products[id] = entry.Entitlements
	}
	return mapping, nil
}

// NormalizeAppUserID trims the identifier and rejects empty values.
func NormalizeAppUserID(appUserID string) (string, error) {
	trimmed := strings.TrimSpace(appUserID)
	if trimmed == "" {
		return "", NewValidationError("app user id is required")
	}
	return trimmed, nil
}
