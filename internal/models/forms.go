package models

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/codec"
	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
)

// Form is the typed field set of one intervention kind.
type Form interface {
	Kind() InterventionKind
	// TargetKey is the entity key used before the server assigns an id.
	TargetKey() string
}

// GeoPoint is an optional capture location.
type GeoPoint struct {
	Lat      float64 `json:"lat" validate:"gte=-90,lte=90"`
	Lng      float64 `json:"lng" validate:"gte=-180,lte=180"`
	Accuracy float64 `json:"accuracy,omitempty" validate:"gte=0"`
}

// Common holds the fields every intervention carries.
type Common struct {
	ClientID string    `json:"clientId" validate:"required"`
	AgentID  string    `json:"agentId" validate:"required"`
	Location *GeoPoint `json:"location,omitempty" validate:"omitempty"`
	Notes    string    `json:"notes,omitempty" validate:"max=2000"`
}

// WashingForm records a vehicle wash.
type WashingForm struct {
	Common
	VehicleID string `json:"vehicleId" validate:"required"`
	WashType  string `json:"washType" validate:"required,oneof=exterior interior complete"`
}

func (WashingForm) Kind() InterventionKind { return KindWashing }

func (f WashingForm) TargetKey() string { return "vehicle:" + f.VehicleID }

// FuelDeliveryForm records fuel delivered into a vehicle.
type FuelDeliveryForm struct {
	Common
	VehicleID     string   `json:"vehicleId" validate:"required"`
	FuelType      string   `json:"fuelType" validate:"required,oneof=diesel gasoline adblue"`
	Liters        float64  `json:"liters" validate:"gt=0"`
	OdometerKm    float64  `json:"odometerKm" validate:"gte=0"`
	PricePerLiter *float64 `json:"pricePerLiter,omitempty" validate:"omitempty,gte=0"`
}

func (FuelDeliveryForm) Kind() InterventionKind { return KindFuelDelivery }

func (f FuelDeliveryForm) TargetKey() string { return "vehicle:" + f.VehicleID }

// TankRefillForm records a refill of a fixed storage tank.
type TankRefillForm struct {
	Common
	TankID            string  `json:"tankId" validate:"required"`
	FuelType          string  `json:"fuelType" validate:"required,oneof=diesel gasoline adblue"`
	LevelBeforeLiters float64 `json:"levelBeforeLiters" validate:"gte=0"`
	LevelAfterLiters  float64 `json:"levelAfterLiters" validate:"gtfield=LevelBeforeLiters"`
}

func (TankRefillForm) Kind() InterventionKind { return KindTankRefill }

func (f TankRefillForm) TargetKey() string { return "tank:" + f.TankID }

// ConvoyForm records one leg of a vehicle convoy.
type ConvoyForm struct {
	Common
	VehicleID        string  `json:"vehicleId" validate:"required"`
	Step             string  `json:"step" validate:"required,oneof=pickup delivery"`
	FromAddress      string  `json:"fromAddress" validate:"required"`
	ToAddress        string  `json:"toAddress" validate:"required"`
	OdometerKm       float64 `json:"odometerKm" validate:"gte=0"`
	FuelLevelPercent float64 `json:"fuelLevelPercent" validate:"gte=0,lte=100"`
}

func (ConvoyForm) Kind() InterventionKind { return KindConvoy }

func (f ConvoyForm) TargetKey() string { return "vehicle:" + f.VehicleID }

// NewForm returns a pointer to an empty form of the given kind.
func NewForm(kind InterventionKind) (Form, error) {
	switch kind {
	case KindWashing:
		return &WashingForm{}, nil
	case KindFuelDelivery:
		return &FuelDeliveryForm{}, nil
	case KindTankRefill:
		return &TankRefillForm{}, nil
	case KindConvoy:
		return &ConvoyForm{}, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown intervention kind %q", kind)
	}
}

// DecodeForm converts a field map from the UI into the kind's form.
// Unknown fields and wrongly typed values are reported per field.
func DecodeForm(kind InterventionKind, fields map[string]any) (Form, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode form fields", err)
	}
	return DecodeFormJSON(kind, raw)
}

// DecodeFormJSON is DecodeForm for an already encoded JSON object.
func DecodeFormJSON(kind InterventionKind, raw []byte) (Form, error) {
	form, err := NewForm(kind)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(form); err != nil && err != io.EOF {
		return nil, apperrors.Validation("invalid form", map[string]string{decodeErrorField(err): decodeErrorMessage(err)})
	}
	return form, nil
}

func decodeErrorField(err error) string {
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field
	}
	if name, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
		return strings.Trim(name, `"`)
	}
	return "form"
}

func decodeErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		switch typeErr.Type.Kind() {
		case reflect.String:
			return "must be a string"
		case reflect.Float32, reflect.Float64, reflect.Int, reflect.Int64:
			return "must be a number"
		default:
			return "must be an object"
		}
	}
	if strings.HasPrefix(err.Error(), "json: unknown field ") {
		return "is not a field of this form"
	}
	return err.Error()
}

// FormFields flattens a form into its wire field mapping (JSON names).
func FormFields(form Form) (map[string]any, error) {
	raw, err := json.Marshal(form)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode form", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "decode form", err)
	}
	return fields, nil
}

// FormFingerprint is the BLAKE3 fingerprint of the form's wire fields.
// Two forms share it exactly when every field and value match.
func FormFingerprint(form Form) (string, error) {
	fields, err := FormFields(form)
	if err != nil {
		return "", err
	}
	hash, err := codec.FieldsFingerprint(fields)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "fingerprint form", err)
	}
	return hash, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func formValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// ValidateForm checks a form against its schema. Failures are returned as a
// single VALIDATION_FAILED error carrying one message per field.
func ValidateForm(form Form) error {
	if form == nil {
		return apperrors.Validation("invalid form", map[string]string{"form": "is required"})
	}
	err := formValidator().Struct(form)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return apperrors.Wrap(apperrors.ErrInternal, "validate form", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fieldMessage(fe)
	}
	return apperrors.Validation("invalid form", fields)
}

// fieldPath drops the root struct and the embedded Common segment so that
// paths match the wire names, e.g. "location.lat".
func fieldPath(fe validator.FieldError) string {
	parts := strings.Split(fe.Namespace(), ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "Common" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ".")
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gtfield":
		return "must be greater than " + lowerFirst(fe.Param())
	default:
		return "failed " + fe.Tag() + " check"
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
