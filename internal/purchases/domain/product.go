package domain

import "strings"

type ProductType string

const (
	ProductTypeAutoRenewable ProductType = "auto_renewable"
	ProductTypeConsumable    ProductType = "consumable"
	ProductTypeNonConsumable ProductType = "non_consumable"
)

// Product describes a purchasable item as reported by the commerce layer.
type Product struct {
	Identifier          string      `json:"identifier"`
	Title               string      `json:"title,omitempty"`
	Type                ProductType `json:"type"`
	Price               string      `json:"price"`
	CurrencyCode        string      `json:"currency_code"`
	SubscriptionPeriod  string      `json:"subscription_period,omitempty"`
	SubscriptionGroupID string      `json:"subscription_group_id,omitempty"`
	IntroductoryOffer   *Discount   `json:"introductory_offer,omitempty"`
	Discounts           []Discount  `json:"discounts,omitempty"`
}

type PaymentMode string

const (
	PaymentModePayAsYouGo PaymentMode = "pay_as_you_go"
	PaymentModePayUpFront PaymentMode = "pay_up_front"
	PaymentModeFreeTrial  PaymentMode = "free_trial"
)

type Discount struct {
	Identifier  string      `json:"identifier,omitempty"`
	Price       string      `json:"price"`
	PaymentMode PaymentMode `json:"payment_mode"`
	Period      string      `json:"period,omitempty"`
}

func (p Product) IsSubscription() bool {
	return p.Type == ProductTypeAutoRenewable || p.SubscriptionPeriod != ""
}

// ProductInfo is the product metadata submitted alongside a receipt.
type ProductInfo struct {
	ProductID           string
	Price               string
	Currency            string
	NormalDuration      string
	IntroDuration       string
	TrialDuration       string
	SubscriptionGroupID string
	Discounts           []Discount
}

// Info derives receipt metadata from the descriptor. A free-trial
// introductory offer is reported as a trial, anything else as an intro price.
func (p Product) Info() ProductInfo {
	info := ProductInfo{
		ProductID:           p.Identifier,
		Price:               p.Price,
		Currency:            p.CurrencyCode,
		NormalDuration:      p.SubscriptionPeriod,
		SubscriptionGroupID: p.SubscriptionGroupID,
		Discounts:           p.Discounts,
	}
	if p.IntroductoryOffer != nil {
		if p.IntroductoryOffer.PaymentMode == PaymentModeFreeTrial {
			info.TrialDuration = p.IntroductoryOffer.Period
		} else {
			info.IntroDuration = p.IntroductoryOffer.Period
		}
	}
	return info
}

// CacheKey identifies the info in receipt fingerprints.
func (i ProductInfo) CacheKey() string {
	parts := []string{i.ProductID, i.Price, i.Currency, i.NormalDuration, i.IntroDuration, i.TrialDuration, i.SubscriptionGroupID}
	for _, d := range i.Discounts {
		parts = append(parts, d.Identifier, d.Price, string(d.PaymentMode))
	}
	return strings.Join(parts, "-")
}
