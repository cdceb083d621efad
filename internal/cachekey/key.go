// Package cachekey names every value the device cache persists.
//
// Key is a closed set: only the types in this package implement it, so a
// type switch over Key lists every namespace the store can contain.
package cachekey

import (
	"net/url"
	"strings"
)

const (
	prefix       = "purchasesync."
	legacyPrefix = "purchasesync.legacy."
)

type Key interface {
	String() string
	sealed()
}

type AppUserID struct{}

// LegacyAppUserID is the owner id written by older releases.
type LegacyAppUserID struct{}

type SubscriberState struct{ Owner string }

type SubscriberStateUpdated struct{ Owner string }

type Offerings struct{}

// SubscriberAttributes holds the grouped owner -> attributes map.
type SubscriberAttributes struct{}

// LegacySubscriberAttributes is the flat per-owner attribute key of older releases.
type LegacySubscriberAttributes struct{ Owner string }

// Validator is the stored conditional-request record for one request identity.
type Validator struct{ Identity string }

type PostedTransactions struct{}

type ProductEntitlementMapping struct{}

type ProductEntitlementMappingUpdated struct{}

// IdempotentResponse is a stored local API response replayed for a reused
// idempotency key.
type IdempotentResponse struct{ Key string }

func (AppUserID) String() string       { return prefix + "app_user_id" }
func (LegacyAppUserID) String() string { return legacyPrefix + "app_user_id" }
func (k SubscriberState) String() string {
	return prefix + "subscriber_state." + escape(k.Owner)
}
func (k SubscriberStateUpdated) String() string {
	return prefix + "subscriber_state_updated." + escape(k.Owner)
}
func (Offerings) String() string            { return prefix + "offerings" }
func (SubscriberAttributes) String() string { return prefix + "subscriber_attributes" }
func (k LegacySubscriberAttributes) String() string {
	return LegacySubscriberAttributesPrefix + escape(k.Owner)
}
func (k Validator) String() string                   { return ValidatorPrefix + k.Identity }
func (PostedTransactions) String() string            { return prefix + "posted_transactions" }
func (ProductEntitlementMapping) String() string     { return prefix + "product_entitlement_mapping" }
func (ProductEntitlementMappingUpdated) String() string {
	return prefix + "product_entitlement_mapping_updated"
}

func (k IdempotentResponse) String() string { return IdempotentResponsePrefix + escape(k.Key) }

func (AppUserID) sealed()                        {}
func (LegacyAppUserID) sealed()                  {}
func (SubscriberState) sealed()                  {}
func (SubscriberStateUpdated) sealed()           {}
func (Offerings) sealed()                        {}
func (SubscriberAttributes) sealed()             {}
func (LegacySubscriberAttributes) sealed()       {}
func (Validator) sealed()                        {}
func (PostedTransactions) sealed()               {}
func (ProductEntitlementMapping) sealed()        {}
func (ProductEntitlementMappingUpdated) sealed() {}
func (IdempotentResponse) sealed()               {}

// Prefixes for namespaces that are enumerated with List.
const (
	ValidatorPrefix                  = prefix + "validator."
	LegacySubscriberAttributesPrefix = legacyPrefix + "subscriber_attributes."
	IdempotentResponsePrefix         = prefix + "idempotent_response."
)

// OwnerFromLegacyAttributesKey recovers the owner from a legacy attribute key.
func OwnerFromLegacyAttributesKey(key string) (string, bool) {
	owner, ok := strings.CutPrefix(key, LegacySubscriberAttributesPrefix)
	if !ok || owner == "" {
		return "", false
	}
	unescaped, err := url.PathUnescape(owner)
	if err != nil {
		return "", false
	}
	return unescaped, true
}

// Owners may contain dots, so they are escaped to keep keys unambiguous.
func escape(owner string) string {
	return strings.ReplaceAll(url.PathEscape(owner), ".", "%2E")
}
