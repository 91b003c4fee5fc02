package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"crmrelay/internal/types"
)

var (
	// ErrInvalidEvent is returned when a verified payload is not a decodable event.
	ErrInvalidEvent = errors.New("reconcile: invalid event payload")

	// ErrMistypedField marks a decode where one or more fields were left at
	// their zero value because the JSON type did not match. The rest of the
	// destination is populated.
	ErrMistypedField = errors.New("reconcile: mistyped field")
)

// Event is the envelope of a provider webhook delivery. Only the fields needed
// for routing are decoded eagerly; the object is decoded per kind.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes the envelope of a verified payload. The payload must be a
// JSON object; an envelope without a type parses and is treated as an
// unrecognized kind.
func ParseEvent(payload []byte) (*Event, error) {
	if !isObject(payload) {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidEvent)
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil && !isTypeError(err) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &ev, nil
}

// Kind returns the event discriminator.
func (e *Event) Kind() types.EventKind {
	return types.EventKind(e.Type)
}

// DecodeObject decodes data.object into dst. A field whose JSON type does not
// match is skipped and reported with ErrMistypedField; dst is still usable.
func (e *Event) DecodeObject(dst any) error {
	if !isObject(e.Data.Object) {
		return fmt.Errorf("%w: %s has no data.object", ErrInvalidEvent, e.Type)
	}
	if err := json.Unmarshal(e.Data.Object, dst); err != nil {
		if isTypeError(err) {
			return fmt.Errorf("%w: %s object: %v", ErrMistypedField, e.Type, err)
		}
		return fmt.Errorf("%w: %s object: %v", ErrInvalidEvent, e.Type, err)
	}
	return nil
}

func isObject(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

// isTypeError reports a value/type mismatch. encoding/json finishes decoding
// the remaining fields before returning one.
func isTypeError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &typeErr)
}

// Metadata is a provider metadata map. Number and boolean values are kept in
// their JSON text form; nulls, objects and arrays are dropped.
type Metadata map[string]string

// UnmarshalJSON decodes m leniently. A non-object value yields an empty map.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	*m = nil
	if !isObject(b) {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Metadata, len(raw))
	for k, v := range raw {
		v = bytes.TrimSpace(v)
		if len(v) == 0 {
			continue
		}
		switch v[0] {
		case '"':
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				out[k] = s
			}
		case '{', '[', 'n':
		default:
			out[k] = string(v)
		}
	}
	*m = out
	return nil
}

// ExpandableID holds the id of a field the provider sends either as a bare id
// string or as an expanded object.
type ExpandableID string

// UnmarshalJSON accepts "id" or {"id": "..."}. Anything else, null included,
// yields an empty id.
func (x *ExpandableID) UnmarshalJSON(b []byte) error {
	*x = ""
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0:
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*x = ExpandableID(s)
	case b[0] == '{':
		var obj struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		var id string
		if json.Unmarshal(obj.ID, &id) == nil {
			*x = ExpandableID(id)
		}
	}
	return nil
}

func (x ExpandableID) String() string { return string(x) }

// Session is the subset of a checkout session consumed here. Every field is
// optional.
type Session struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	Customer        ExpandableID      `json:"customer"`
	Subscription    ExpandableID      `json:"subscription"`
	CustomerDetails *CustomerDetails  `json:"customer_details"`
	CustomerEmail   string            `json:"customer_email"`
	EmailAddress    string            `json:"email_address"`
	AmountTotal     int64             `json:"amount_total"`
	Metadata        Metadata          `json:"metadata"`
	CustomFields    []CustomField     `json:"custom_fields"`
	URL             string            `json:"url"`
}

// CustomerDetails is what the customer entered on the hosted checkout page.
type CustomerDetails struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// CustomField is a structured custom-field answer collected at checkout.
type CustomField struct {
	Key      string      `json:"key"`
	Type     string      `json:"type"`
	Dropdown *fieldValue `json:"dropdown"`
	Text     *fieldValue `json:"text"`
	Numeric  *fieldValue `json:"numeric"`
}

type fieldValue struct {
	Value string `json:"value"`
}

// Value returns the answer regardless of the field type.
func (f CustomField) Value() string {
	for _, v := range []*fieldValue{f.Dropdown, f.Text, f.Numeric} {
		if v != nil && v.Value != "" {
			return v.Value
		}
	}
	return ""
}

// Invoice is the subset of an invoice consumed here.
type Invoice struct {
	ID                string            `json:"id"`
	Customer          ExpandableID      `json:"customer"`
	Subscription      ExpandableID      `json:"subscription"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerPhone     string            `json:"customer_phone"`
	CustomerName      string            `json:"customer_name"`
	AmountPaid        int64             `json:"amount_paid"`
	Metadata          Metadata          `json:"metadata"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID      `json:"subscription"`
			Metadata     Metadata          `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the top-level subscription, falling back to the
// parent subscription details used by newer API versions.
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription.String()
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// Subscription is the subset of a subscription consumed here.
type Subscription struct {
	ID                string            `json:"id"`
	Customer          ExpandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          Metadata          `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// PeriodEnd returns current_period_end, falling back to the first item's value
// where newer API versions carry it.
func (s *Subscription) PeriodEnd() int64 {
	if s.CurrentPeriodEnd > 0 {
		return s.CurrentPeriodEnd
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			return item.CurrentPeriodEnd
		}
	}
	return 0
}
