// Package backend maps billing backend endpoints to domain operations.
// Identical concurrent calls share one request.
package backend

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/dejobratic/purchasesync/internal/dedup"
	"github.com/dejobratic/purchasesync/internal/httpclient"
	"github.com/dejobratic/purchasesync/internal/purchases/domain"
	"github.com/tidwall/gjson"
)

// Doer is the transport the backend sends requests through.
type Doer interface {
	Do(ctx context.Context, req httpclient.Request) (*httpclient.Response, error)
	ClearCaches(ctx context.Context) error
}

type receiptOutcome struct {
	result domain.ReceiptResult
	err    error
}

type attributesOutcome struct {
	result domain.AttributeSyncResult
	err    error
}

type loginOutcome struct {
	state   *domain.SubscriberState
	created bool
}

type Backend struct {
	client Doer
	logger *slog.Logger

	states      dedup.Group[*domain.SubscriberState]
	offerings   dedup.Group[*domain.Offerings]
	receipts    dedup.Group[receiptOutcome]
	attributes  dedup.Group[attributesOutcome]
	logins      dedup.Group[loginOutcome]
	mappings    dedup.Group[*domain.ProductEntitlementMapping]
	eligibility dedup.Group[map[string]domain.IntroEligibility]
}

func New(client Doer, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{client: client, logger: logger}
}

func escapedAppUserID(appUserID string) (string, error) {
	id, err := domain.NormalizeAppUserID(appUserID)
	if err != nil {
		return "", err
	}
	return url.PathEscape(id), nil
}

func (b *Backend) GetSubscriberState(ctx context.Context, appUserID string) (*domain.SubscriberState, error) {
	id, err := escapedAppUserID(appUserID)
	if err != nil {
		return nil, err
	}
	path := "/subscribers/" + id

	state, _, err := b.states.Do(ctx, dedup.Fingerprint(http.MethodGet, path), func(ctx context.Context) (*domain.SubscriberState, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodGet,
			Path:      path,
			Operation: "get_subscriber",
			Serial:    true,
		})
		if err != nil {
			return nil, err
		}
		return parseSubscriberState(resp)
	})
	return state, err
}

func (b *Backend) GetOfferings(ctx context.Context, appUserID string) (*domain.Offerings, error) {
	id, err := escapedAppUserID(appUserID)
	if err != nil {
		return nil, err
	}
	path := "/subscribers/" + id + "/offerings"

	offerings, _, err := b.offerings.Do(ctx, dedup.Fingerprint(http.MethodGet, path), func(ctx context.Context) (*domain.Offerings, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodGet,
			Path:      path,
			Operation: "get_offerings",
			Serial:    true,
		})
		if err != nil {
			b.logger.ErrorContext(ctx, "failed to fetch offerings", "app_user_id", appUserID, "error", err)
			return nil, err
		}

		offerings, err := domain.ParseOfferings(resp.Body)
		if err != nil {
			return nil, domain.NewUnexpectedResponseError(err)
		}
		return offerings, nil
	})
	return offerings, err
}

// PostReceipt submits a receipt. The result is meaningful even when an
// error is returned: Finishable and AttributesSynced reflect the status.
func (b *Backend) PostReceipt(ctx context.Context, submission domain.ReceiptSubmission) (domain.ReceiptResult, error) {
	appUserID, err := domain.NormalizeAppUserID(submission.AppUserID)
	if err != nil {
		return domain.ReceiptResult{}, err
	}
	if len(submission.Receipt) == 0 {
		return domain.ReceiptResult{}, domain.ErrMissingReceipt
	}

	body := newReceiptBody(appUserID, submission)
	key := dedup.Fingerprint(http.MethodPost, "/receipts", body)

	outcome, _, err := b.receipts.Do(ctx, key, func(ctx context.Context) (receiptOutcome, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodPost,
			Path:      "/receipts",
			Operation: "post_receipt",
			Body:      body,
			Serial:    true,
		})
		return b.receiptOutcome(ctx, resp, err), nil
	})
	if err != nil {
		return domain.ReceiptResult{}, err
	}
	return outcome.result, outcome.err
}

func (b *Backend) receiptOutcome(ctx context.Context, resp *httpclient.Response, err error) receiptOutcome {
	if resp == nil || (err != nil && !errors.Is(err, domain.ErrHTTP)) {
		return receiptOutcome{err: err}
	}

	result := domain.ReceiptResult{
		Finishable:       resp.StatusCode < http.StatusInternalServerError,
		AttributesSynced: attributesSynced(resp.StatusCode),
		AttributeErrors:  attributeErrors(resp.Body),
	}
	if len(result.AttributeErrors) > 0 {
		b.logger.WarnContext(ctx, "backend rejected subscriber attributes", "status_code", resp.StatusCode, "errors", len(result.AttributeErrors))
	}
	if err != nil {
		return receiptOutcome{result: result, err: err}
	}

	state, err := parseSubscriberState(resp)
	if err != nil {
		return receiptOutcome{err: err}
	}
	result.SubscriberState = state
	return receiptOutcome{result: result}
}

// PostAttributes sends attributes on their own. Synced is false when the
// backend could not store them and they must be retried.
func (b *Backend) PostAttributes(ctx context.Context, appUserID string, attributes map[string]domain.SubscriberAttribute) (domain.AttributeSyncResult, error) {
	if len(attributes) == 0 {
		return domain.AttributeSyncResult{}, domain.NewValidationError("no subscriber attributes to post")
	}
	id, err := escapedAppUserID(appUserID)
	if err != nil {
		return domain.AttributeSyncResult{}, err
	}
	path := "/subscribers/" + id + "/attributes"
	body := map[string]any{"attributes": backendAttributes(attributes)}

	outcome, _, err := b.attributes.Do(ctx, dedup.Fingerprint(http.MethodPost, path, body), func(ctx context.Context) (attributesOutcome, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodPost,
			Path:      path,
			Operation: "post_attributes",
			Body:      body,
			Serial:    true,
		})
		if resp == nil {
			return attributesOutcome{err: err}, nil
		}

		result := domain.AttributeSyncResult{
			Synced: attributesSynced(resp.StatusCode),
			Errors: attributeErrors(resp.Body),
		}
		if len(result.Errors) > 0 {
			b.logger.WarnContext(ctx, "backend rejected subscriber attributes", "app_user_id", appUserID, "errors", len(result.Errors))
		}
		return attributesOutcome{result: result, err: err}, nil
	})
	if err != nil {
		return domain.AttributeSyncResult{}, err
	}
	return outcome.result, outcome.err
}

// GetIntroEligibility never fails on backend errors; affected products are
// reported as unknown instead.
func (b *Backend) GetIntroEligibility(ctx context.Context, appUserID string, receipt []byte, productIDs []string) (map[string]domain.IntroEligibility, error) {
	if len(productIDs) == 0 {
		return map[string]domain.IntroEligibility{}, nil
	}
	if len(receipt) == 0 {
		return unknownEligibility(productIDs), nil
	}

	id, err := escapedAppUserID(appUserID)
	if err != nil {
		return unknownEligibility(productIDs), err
	}
	path := "/subscribers/" + id + "/intro_eligibility"
	body := map[string]any{
		"product_identifiers": productIDs,
		"fetch_token":         base64.StdEncoding.EncodeToString(receipt),
	}

	result, _, err := b.eligibility.Do(ctx, dedup.Fingerprint(http.MethodPost, path, body), func(ctx context.Context) (map[string]domain.IntroEligibility, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodPost,
			Path:      path,
			Operation: "get_intro_eligibility",
			Body:      body,
			Serial:    true,
		})
		if err != nil {
			b.logger.WarnContext(ctx, "intro eligibility unavailable", "app_user_id", appUserID, "error", err)
			return unknownEligibility(productIDs), nil
		}

		parsed := gjson.ParseBytes(resp.Body).Map()
		eligibility := make(map[string]domain.IntroEligibility, len(productIDs))
		for _, productID := range productIDs {
			switch parsed[productID].Type {
			case gjson.True:
				eligibility[productID] = domain.IntroEligibilityEligible
			case gjson.False:
				eligibility[productID] = domain.IntroEligibilityIneligible
			default:
				eligibility[productID] = domain.IntroEligibilityUnknown
			}
		}
		return eligibility, nil
	})
	if err != nil {
		return unknownEligibility(productIDs), err
	}
	return result, nil
}

// LogIn identifies currentAppUserID as newAppUserID. created is true when
// the backend created a new subscriber.
func (b *Backend) LogIn(ctx context.Context, currentAppUserID, newAppUserID string) (*domain.SubscriberState, bool, error) {
	current, err := domain.NormalizeAppUserID(currentAppUserID)
	if err != nil {
		return nil, false, err
	}
	next, err := domain.NormalizeAppUserID(newAppUserID)
	if err != nil {
		return nil, false, err
	}
	body := map[string]string{"app_user_id": current, "new_app_user_id": next}

	outcome, _, err := b.logins.Do(ctx, dedup.Fingerprint(http.MethodPost, "/subscribers/identify", body), func(ctx context.Context) (loginOutcome, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodPost,
			Path:      "/subscribers/identify",
			Operation: "log_in",
			Body:      body,
			Serial:    true,
		})
		if err != nil {
			return loginOutcome{}, err
		}

		state, err := parseSubscriberState(resp)
		if err != nil {
			return loginOutcome{}, err
		}
		return loginOutcome{state: state, created: resp.StatusCode == http.StatusCreated}, nil
	})
	return outcome.state, outcome.created, err
}

func (b *Backend) GetProductEntitlementMapping(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
	const path = "/product_entitlement_mapping"

	mapping, _, err := b.mappings.Do(ctx, dedup.Fingerprint(http.MethodGet, path), func(ctx context.Context) (*domain.ProductEntitlementMapping, error) {
		resp, err := b.client.Do(ctx, httpclient.Request{
			Method:    http.MethodGet,
			Path:      path,
			Operation: "get_product_entitlement_mapping",
		})
		if err != nil {
			return nil, err
		}

		mapping, err := domain.ParseProductEntitlementMapping(resp.Body)
		if err != nil {
			return nil, domain.NewUnexpectedResponseError(err)
		}
		return mapping, nil
	})
	return mapping, err
}

// ClearCaches drops every stored validator, forcing full responses.
func (b *Backend) ClearCaches(ctx context.Context) error {
	return b.client.ClearCaches(ctx)
}

func parseSubscriberState(resp *httpclient.Response) (*domain.SubscriberState, error) {
	state, err := domain.ParseSubscriberState(resp.Body)
	if err != nil {
		return nil, domain.NewUnexpectedResponseError(err)
	}
	return state, nil
}

// A 404 means the subscriber is unknown, so the attributes were not stored.
func attributesSynced(statusCode int) bool {
	return !(statusCode >= http.StatusInternalServerError || statusCode == http.StatusNotFound)
}

// attributeErrors reads errors from the nested attributes_error_response
// object when present, otherwise from the top level.
func attributeErrors(body []byte) []domain.AttributeError {
	if len(body) == 0 {
		return nil
	}

	source := gjson.ParseBytes(body)
	if nested := source.Get("attributes_error_response"); nested.IsObject() {
		source = nested
	}

	var errs []domain.AttributeError
	source.Get("attribute_errors").ForEach(func(_, value gjson.Result) bool {
		errs = append(errs, domain.AttributeError{
			KeyName: value.Get("key_name").String(),
			Message: value.Get("message").String(),
		})
		return true
	})
	return errs
}

func unknownEligibility(productIDs []string) map[string]domain.IntroEligibility {
	result := make(map[string]domain.IntroEligibility, len(productIDs))
	for _, id := range productIDs {
		result[id] = domain.IntroEligibilityUnknown
	}
	return result
}
