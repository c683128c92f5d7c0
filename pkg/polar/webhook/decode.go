package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/gopolar/pkg/polar"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode turns the data of a delivery into its typed payload. Unknown event
// types return ErrUnknownEventType; structural failures return *DecodeError.
func Decode(eventType string, data json.RawMessage) (Payload, error) {
	switch eventType {
	case EventOrderCreated, EventOrderUpdated:
		return decodeInto(eventType, data, &Order{})
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionActive,
		EventSubscriptionCanceled, EventSubscriptionRevoked:
		return decodeInto(eventType, data, &Subscription{})
	case EventBenefitGrantCreated, EventBenefitGrantUpdated, EventBenefitGrantRevoked:
		g, err := decodeBenefitGrant(eventType, data)
		if err != nil {
			return nil, err
		}
		return g, nil
	case EventCheckoutCreated, EventCheckoutUpdated:
		return decodeInto(eventType, data, &Checkout{})
	case EventCustomerCreated, EventCustomerUpdated, EventCustomerDeleted:
		return decodeInto(eventType, data, &Customer{})
	case EventCustomerStateChanged:
		return decodeInto(eventType, data, &CustomerState{})
	case EventProductCreated, EventProductUpdated:
		return decodeInto(eventType, data, &Product{})
	case EventBenefitCreated, EventBenefitUpdated:
		b, err := decodeBenefit(eventType, data)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", polar.ErrUnknownEventType, eventType)
	}
}

func decodeInto(eventType string, data json.RawMessage, dst Payload) (Payload, error) {
	if err := unmarshal(eventType, data, dst); err != nil {
		return nil, err
	}
	if err := check(eventType, dst); err != nil {
		return nil, err
	}
	return dst, nil
}

type discriminant struct {
	Type    *string `json:"type"`
	Benefit *struct {
		Type *string `json:"type"`
	} `json:"benefit"`
}

type benefitEnvelope struct {
	Benefit    json.RawMessage `json:"benefit"`
	Properties json.RawMessage `json:"properties"`
}

func decodeBenefit(eventType string, data json.RawMessage) (*Benefit, error) {
	var disc discriminant
	if err := unmarshal(eventType, data, &disc); err != nil {
		return nil, err
	}
	b := &Benefit{}
	if err := unmarshal(eventType, data, b); err != nil {
		return nil, err
	}
	var env benefitEnvelope
	if err := unmarshal(eventType, data, &env); err != nil {
		return nil, err
	}
	b.Type = ParseBenefitType(deref(disc.Type))
	props, err := benefitProperties(b.Type, env.Properties)
	if err != nil {
		return nil, &polar.DecodeError{EventType: eventType, Field: "properties", Err: err}
	}
	b.Properties = props
	if err := check(eventType, b); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeBenefitGrant(eventType string, data json.RawMessage) (*BenefitGrant, error) {
	var disc discriminant
	if err := unmarshal(eventType, data, &disc); err != nil {
		return nil, err
	}
	g := &BenefitGrant{}
	if err := unmarshal(eventType, data, g); err != nil {
		return nil, err
	}
	var env benefitEnvelope
	if err := unmarshal(eventType, data, &env); err != nil {
		return nil, err
	}

	typ := deref(disc.Type)
	if typ == "" && disc.Benefit != nil {
		typ = deref(disc.Benefit.Type)
	}
	g.Type = ParseBenefitType(typ)
	props, err := grantProperties(g.Type, env.Properties)
	if err != nil {
		return nil, &polar.DecodeError{EventType: eventType, Field: "properties", Err: err}
	}
	g.Properties = props

	if len(env.Benefit) > 0 && string(env.Benefit) != "null" {
		benefit, err := decodeBenefit(eventType, env.Benefit)
		if err != nil {
			var de *polar.DecodeError
			if errors.As(err, &de) && de.Field != "" {
				de.Field = "benefit." + de.Field
			}
			return nil, err
		}
		g.Benefit = benefit
		if g.BenefitID == "" {
			g.BenefitID = benefit.ID
		}
	}
	if err := check(eventType, g); err != nil {
		return nil, err
	}
	return g, nil
}

func benefitProperties(t BenefitType, raw json.RawMessage) (BenefitProperties, error) {
	switch t {
	case BenefitDiscord:
		return unmarshalProps[DiscordBenefitProperties](raw)
	case BenefitGitHubRepository:
		return unmarshalProps[GitHubRepositoryBenefitProperties](raw)
	case BenefitDownloadables:
		return unmarshalProps[DownloadablesBenefitProperties](raw)
	case BenefitLicenseKeys:
		return unmarshalProps[LicenseKeysBenefitProperties](raw)
	case BenefitMeterCredit:
		return unmarshalProps[MeterCreditBenefitProperties](raw)
	case BenefitCustom:
		return unmarshalProps[CustomBenefitProperties](raw)
	default:
		return unmarshalProps[CustomBenefitProperties](raw)
	}
}

func grantProperties(t BenefitType, raw json.RawMessage) (GrantProperties, error) {
	switch t {
	case BenefitDiscord:
		return unmarshalProps[DiscordGrantProperties](raw)
	case BenefitGitHubRepository:
		return unmarshalProps[GitHubRepositoryGrantProperties](raw)
	case BenefitDownloadables:
		return unmarshalProps[DownloadablesGrantProperties](raw)
	case BenefitLicenseKeys:
		return unmarshalProps[LicenseKeysGrantProperties](raw)
	case BenefitMeterCredit:
		return unmarshalProps[MeterCreditGrantProperties](raw)
	case BenefitCustom:
		return unmarshalProps[CustomGrantProperties](raw)
	default:
		return unmarshalProps[CustomGrantProperties](raw)
	}
}

func unmarshalProps[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "[]" {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func unmarshal(eventType string, data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		de := &polar.DecodeError{EventType: eventType, Err: err}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			de.Field = typeErr.Field
		}
		return de
	}
	return nil
}

func check(eventType string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		return &polar.DecodeError{
			EventType: eventType,
			Field:     field,
			Err:       fmt.Errorf("failed %q validation", fe.Tag()),
		}
	}
	return &polar.DecodeError{EventType: eventType, Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
