package backend

import (
	"encoding/base64"

	"github.com/dejobratic/purchasesync/internal/purchases/domain"
)

type receiptBody struct {
	FetchToken                  string                      `json:"fetch_token"`
	AppUserID                   string                      `json:"app_user_id"`
	IsRestore                   bool                        `json:"is_restore"`
	ObserverMode                bool                        `json:"observer_mode"`
	ProductID                   string                      `json:"product_id,omitempty"`
	Price                       string                      `json:"price,omitempty"`
	Currency                    string                      `json:"currency,omitempty"`
	NormalDuration              string                      `json:"normal_duration,omitempty"`
	IntroDuration               string                      `json:"intro_duration,omitempty"`
	TrialDuration               string                      `json:"trial_duration,omitempty"`
	SubscriptionGroupID         string                      `json:"subscription_group_id,omitempty"`
	Offers                      []offer                     `json:"offers,omitempty"`
	PresentedOfferingIdentifier string                      `json:"presented_offering_identifier,omitempty"`
	Attributes                  map[string]backendAttribute `json:"attributes,omitempty"`
}

type offer struct {
	OfferIdentifier string `json:"offer_identifier,omitempty"`
	Price           string `json:"price"`
	PaymentMode     string `json:"payment_mode"`
}

type backendAttribute struct {
	Value       string `json:"value"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

func newReceiptBody(appUserID string, s domain.ReceiptSubmission) receiptBody {
	body := receiptBody{
		FetchToken:                  base64.StdEncoding.EncodeToString(s.Receipt),
		AppUserID:                   appUserID,
		IsRestore:                   s.IsRestore,
		ObserverMode:                s.ObserverMode,
		PresentedOfferingIdentifier: s.PresentedOfferingIdentifier,
		Attributes:                  backendAttributes(s.Attributes),
	}

	if info := s.ProductInfo; info != nil {
		body.ProductID = info.ProductID
		body.Price = info.Price
		body.Currency = info.Currency
		body.NormalDuration = info.NormalDuration
		body.IntroDuration = info.IntroDuration
		body.TrialDuration = info.TrialDuration
		body.SubscriptionGroupID = info.SubscriptionGroupID
		for _, d := range info.Discounts {
			body.Offers = append(body.Offers, offer{
				OfferIdentifier: d.Identifier,
				Price:           d.Price,
				PaymentMode:     string(d.PaymentMode),
			})
		}
	}

	return body
}

func backendAttributes(attributes map[string]domain.SubscriberAttribute) map[string]backendAttribute {
	if len(attributes) == 0 {
		return nil
	}
	result := make(map[string]backendAttribute, len(attributes))
	for key, attr := range attributes {
		result[key] = backendAttribute{Value: attr.Value, UpdatedAtMs: attr.SetAt.UnixMilli()}
	}
	return result
}
