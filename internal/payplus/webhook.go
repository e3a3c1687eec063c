package payplus

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrUnrecognizedPayload = errors.New("unrecognized_webhook_payload")

// Notification is the typed result of parsing a recurring webhook, whatever
// shape it arrived in.
type Notification struct {
	TransactionID  string
	TransactionUID string
	RecurringUID   string
	CustomerUID    string

	// Decoded from the more_info field ("<user_id>|<label>|<cycle>").
	UserID        string
	MoreInfoLabel string
	MoreInfoCycle string

	Amount     float64
	Currency   string
	StatusCode string

	Source string

	PaymentDate *time.Time
	FourDigits  string
	Brand       string

	CustomerEmail string
	CustomerName  string
}

func (n *Notification) Succeeded() bool {
	return n.StatusCode == approvedStatusCode
}

func (n *Notification) HasIdentifier() bool {
	return n.RecurringUID != "" || n.CustomerUID != "" || n.UserID != "" ||
		n.TransactionID != "" || n.TransactionUID != ""
}

// IsRelay reports whether the delivery came through the trusted relay rather
// than straight from the gateway. Relayed events carry no gateway hash.
func (n *Notification) IsRelay(userAgent, relaySource string) bool {
	if relaySource == "" {
		return false
	}
	if strings.EqualFold(strings.TrimSpace(n.Source), relaySource) {
		return true
	}
	return strings.Contains(strings.ToLower(userAgent), strings.ToLower(relaySource))
}

// extractor is one recognized webhook shape. Extractors are tried in order;
// the first one that yields any identifier wins.
type extractor interface {
	name() string
	extract(payload map[string]any) (*Notification, bool)
}

var extractors = []extractor{
	directExtractor{},
	envelopeExtractor{},
	relayExtractor{},
}

// ParseNotification decodes a webhook body into a Notification and reports
// which shape matched.
func ParseNotification(raw []byte) (*Notification, string, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", ErrUnrecognizedPayload
	}

	for _, ex := range extractors {
		if n, ok := ex.extract(payload); ok && n.HasIdentifier() {
			return n, ex.name(), nil
		}
	}
	return nil, "", ErrUnrecognizedPayload
}

// directExtractor handles the gateway's native flat callback.
type directExtractor struct{}

func (directExtractor) name() string { return "direct" }

func (directExtractor) extract(payload map[string]any) (*Notification, bool) {
	n := notificationFromMap(payload)
	if tx, ok := payload["transaction"].(map[string]any); ok {
		mergeNotification(n, notificationFromMap(tx))
	}
	return n, n.HasIdentifier()
}

// envelopeExtractor handles callbacks wrapped in a data envelope.
type envelopeExtractor struct{}

func (envelopeExtractor) name() string { return "envelope" }

func (envelopeExtractor) extract(payload map[string]any) (*Notification, bool) {
	inner, ok := payload["data"].(map[string]any)
	if !ok {
		return nil, false
	}
	n := notificationFromMap(inner)
	if tx, ok := inner["transaction"].(map[string]any); ok {
		mergeNotification(n, notificationFromMap(tx))
	}
	// source lives on the envelope, not the inner payload
	if n.Source == "" {
		n.Source = stringField(payload, "source")
	}
	return n, n.HasIdentifier()
}

// relayExtractor handles relay deliveries where the original payload arrives
// string-encoded under body or payload.
type relayExtractor struct{}

func (relayExtractor) name() string { return "relay" }

func (relayExtractor) extract(payload map[string]any) (*Notification, bool) {
	for _, key := range []string{"body", "payload"} {
		encoded, ok := payload[key].(string)
		if !ok || strings.TrimSpace(encoded) == "" {
			continue
		}
		var inner map[string]any
		if err := json.Unmarshal([]byte(encoded), &inner); err != nil {
			continue
		}
		n := notificationFromMap(inner)
		if tx, ok := inner["transaction"].(map[string]any); ok {
			mergeNotification(n, notificationFromMap(tx))
		}
		if n.Source == "" {
			n.Source = stringField(payload, "source")
		}
		if n.HasIdentifier() {
			return n, true
		}
	}
	return nil, false
}

func notificationFromMap(m map[string]any) *Notification {
	n := &Notification{
		TransactionID:  firstString(m, "transaction_id", "number"),
		TransactionUID: firstString(m, "transaction_uid", "uid"),
		RecurringUID:   stringField(m, "recurring_uid"),
		CustomerUID:    firstString(m, "customer_uid", "payplus_customer_uid"),
		Amount:         floatField(m, "amount"),
		Currency:       firstString(m, "currency", "currency_code"),
		StatusCode:     firstString(m, "status_code", "status"),
		Source:         stringField(m, "source"),
		FourDigits:     stringField(m, "four_digits"),
		Brand:          firstString(m, "brand_name", "brand"),
	}

	if raw := firstString(m, "date", "payment_date", "charge_date"); raw != "" {
		n.PaymentDate = parseGatewayTime(raw)
	}

	if customer, ok := m["customer"].(map[string]any); ok {
		n.CustomerEmail = stringField(customer, "email")
		n.CustomerName = firstString(customer, "customer_name", "name")
		if n.CustomerUID == "" {
			n.CustomerUID = firstString(customer, "customer_uid", "uid")
		}
	}
	if n.CustomerEmail == "" {
		n.CustomerEmail = stringField(m, "email")
	}

	if moreInfo := firstString(m, "more_info", "more_info_1"); moreInfo != "" {
		parts := strings.Split(moreInfo, "|")
		n.UserID = strings.TrimSpace(parts[0])
		if len(parts) > 1 {
			n.MoreInfoLabel = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 {
			n.MoreInfoCycle = strings.TrimSpace(parts[2])
		}
	}

	return n
}

// mergeNotification fills zero fields of dst from src.
func mergeNotification(dst, src *Notification) {
	if dst.TransactionID == "" {
		dst.TransactionID = src.TransactionID
	}
	if dst.TransactionUID == "" {
		dst.TransactionUID = src.TransactionUID
	}
	if dst.RecurringUID == "" {
		dst.RecurringUID = src.RecurringUID
	}
	if dst.CustomerUID == "" {
		dst.CustomerUID = src.CustomerUID
	}
	if dst.UserID == "" {
		dst.UserID = src.UserID
		dst.MoreInfoLabel = src.MoreInfoLabel
		dst.MoreInfoCycle = src.MoreInfoCycle
	}
	if dst.Amount == 0 {
		dst.Amount = src.Amount
	}
	if dst.Currency == "" {
		dst.Currency = src.Currency
	}
	if dst.StatusCode == "" {
		dst.StatusCode = src.StatusCode
	}
	if dst.PaymentDate == nil {
		dst.PaymentDate = src.PaymentDate
	}
	if dst.FourDigits == "" {
		dst.FourDigits = src.FourDigits
	}
	if dst.Brand == "" {
		dst.Brand = src.Brand
	}
	if dst.CustomerEmail == "" {
		dst.CustomerEmail = src.CustomerEmail
	}
	if dst.CustomerName == "" {
		dst.CustomerName = src.CustomerName
	}
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v := stringField(m, key); v != "" {
			return v
		}
	}
	return ""
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f
		}
	}
	return 0
}
