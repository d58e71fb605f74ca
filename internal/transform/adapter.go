// Package transform maps raw upstream order documents into the canonical
// schema accepted by the internal system of record. The mapping is a pure
// function of its input; the only side effects are a log line and a counter
// when a jurisdiction code has no table entry.
package transform

import (
	"encoding/json"
	"log/slog"
	"strings"

	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/telemetry"
)

// Order is the upstream order document shape, as downloaded.
type Order struct {
	OrderNumber  string     `json:"order_number"`
	Vertical     string     `json:"vertical"`
	ProductType  string     `json:"product_type"`
	CustomerName string     `json:"customer_name"`
	DueDate      string     `json:"due_date"`
	Properties   []Property `json:"properties"`
}

// Property is one property on an upstream order.
type Property struct {
	Address1 string `json:"address_1"`
	City     string `json:"city"`
	State    string `json:"state"`
	Zipcode  string `json:"zipcode"`
}

// Canonical is the internal system-of-record order document.
type Canonical struct {
	ExternalOrderID string              `json:"externalOrderId"`
	ProductCategory string              `json:"productCategory"`
	ProductType     string              `json:"productType,omitempty"`
	Source          string              `json:"source"`
	State           Jurisdiction        `json:"state"`
	Properties      []CanonicalProperty `json:"properties"`
	Agency          Agency              `json:"agency"`
	DueDate         string              `json:"dueDate,omitempty"`
	Notes           string              `json:"notes"`
}

// Jurisdiction is the normalized state/territory of the order.
type Jurisdiction struct {
	StateCode string `json:"stateCode"`
	StateName string `json:"stateName"`
}

// CanonicalProperty wraps a property address in the internal shape.
type CanonicalProperty struct {
	Address Address `json:"address"`
}

type Address struct {
	AddressLine1 string `json:"addressLine1"`
	City         string `json:"city"`
	State        string `json:"state"`
	Zip          string `json:"zip"`
}

type Agency struct {
	AgencyName string `json:"agencyName"`
}

const source = "QUALIA_MARKETPLACE"

// Decode parses a raw downloaded payload into the upstream order shape.
// Malformed documents are a permanent fault: no redelivery will fix them.
func Decode(raw []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return Order{}, faults.Permanent("decode order payload: %v", err)
	}
	return o, nil
}

// Transform maps an upstream order to the canonical document. A missing
// order number is a permanent fault; an unknown jurisdiction code is passed
// through unmapped and flagged, never fatal.
func Transform(o Order) (Canonical, error) {
	if o.OrderNumber == "" {
		return Canonical{}, faults.Permanent("transform: order_number is missing")
	}

	c := Canonical{
		ExternalOrderID: o.OrderNumber,
		ProductCategory: strings.ToUpper(o.Vertical),
		ProductType:     o.ProductType,
		Source:          source,
		State:           jurisdictionOf(o),
		Properties:      make([]CanonicalProperty, 0, len(o.Properties)),
		Agency:          Agency{AgencyName: o.CustomerName},
		DueDate:         o.DueDate,
	}
	for _, p := range o.Properties {
		c.Properties = append(c.Properties, CanonicalProperty{Address: Address{
			AddressLine1: p.Address1,
			City:         p.City,
			State:        p.State,
			Zip:          p.Zipcode,
		}})
	}
	return c, nil
}

func jurisdictionOf(o Order) Jurisdiction {
	if len(o.Properties) == 0 {
		return Jurisdiction{}
	}
	code := o.Properties[0].State
	if code == "" {
		return Jurisdiction{}
	}
	name, ok := StateName(code)
	if !ok {
		slog.Warn("unknown jurisdiction code", "state_code", code, "order_number", o.OrderNumber)
		telemetry.UnknownJurisdiction.Inc()
	}
	return Jurisdiction{StateCode: code, StateName: name}
}
