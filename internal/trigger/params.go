package trigger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/measctl/internal/protocol/rrc"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ModuleType is the type tag of RRC measurement triggers.
const ModuleType = "rrc_measurements"

// Param keys understood by Configure.
const (
	ParamModuleType   = "module_type"
	ParamWorker       = "worker"
	ParamTenantID     = "tenant_id"
	ParamIMSI         = "imsi"
	ParamMeasurements = "measurements"
	ParamCallback     = "callback"
)

var requiredParams = []string{ParamModuleType, ParamWorker, ParamTenantID, ParamIMSI, ParamMeasurements}

var (
	errNotNumeric = errors.New("not a number")
	errNegative   = errors.New("negative")
	errFraction   = errors.New("not an integer")
)

// Params is the mapping handed over by the configuration framework.
type Params map[string]any

// settings holds the scalar params after coercion; struct tags carry the
// semantic checks.
type settings struct {
	ModuleType string `json:"module_type" validate:"required,eq=rrc_measurements"`
	Worker     string `json:"worker" validate:"required"`
	TenantID   string `json:"tenant_id" validate:"required"`
	Callback   string `json:"callback" validate:"omitempty,url"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// Configure validates params and returns a pending instance. Every missing or
// invalid field is reported in a single *ValidationError; a measurement list
// too long for the 8-bit id space fails with ErrConfiguration.
func Configure(params Params) (*Instance, error) {
	verr := &ValidationError{}
	for _, key := range requiredParams {
		if v, ok := params[key]; !ok || v == nil {
			verr.add(key, "required")
		}
	}

	var in settings
	var callback Callback
	if !verr.has(ParamModuleType) {
		in.ModuleType = coerceString(verr, ParamModuleType, params[ParamModuleType])
	}
	if !verr.has(ParamWorker) {
		in.Worker = coerceWorker(verr, params[ParamWorker])
	}
	if !verr.has(ParamTenantID) {
		in.TenantID = coerceString(verr, ParamTenantID, params[ParamTenantID])
	}
	if raw, ok := params[ParamCallback]; ok && raw != nil {
		switch cb := raw.(type) {
		case Callback:
			callback = cb
		case func(*Instance):
			callback = cb
		default:
			in.Callback = coerceString(verr, ParamCallback, raw)
		}
	}

	var imsi uint64
	if !verr.has(ParamIMSI) {
		v, err := coerceUint(params[ParamIMSI], 64)
		if err != nil {
			verr.add(ParamIMSI, err.Error())
		}
		imsi = v
	}

	var measurements []rrc.Measurement
	if !verr.has(ParamMeasurements) {
		measurements = coerceMeasurements(verr, params[ParamMeasurements])
	}

	if err := paramValidator().Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, err
		}
		for _, fe := range fieldErrs {
			if verr.has(fe.Field()) {
				continue
			}
			verr.add(fe.Field(), describeTag(fe))
		}
	}
	var tenantID uuid.UUID
	if !verr.has(ParamTenantID) {
		id, err := uuid.Parse(in.TenantID)
		if err != nil {
			verr.add(ParamTenantID, "not a uuid")
		}
		tenantID = id
	}
	if len(verr.Problems) > 0 {
		return nil, verr
	}

	if err := rrc.CheckMeasurementCount(len(measurements)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	return newInstance(in.ModuleType, in.Worker, tenantID, imsi, measurements, in.Callback, callback), nil
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "url":
		return "not a url"
	case "eq":
		return fmt.Sprintf("must be %q", fe.Param())
	default:
		return fmt.Sprintf("failed %s", fe.Tag())
	}
}

func coerceString(verr *ValidationError, field string, v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case fmt.Stringer:
		return strings.TrimSpace(x.String())
	default:
		verr.add(field, fmt.Sprintf("expected string, got %T", v))
		return ""
	}
}

func coerceWorker(verr *ValidationError, v any) string {
	if named, ok := v.(interface{ Name() string }); ok {
		return named.Name()
	}
	return coerceString(verr, ParamWorker, v)
}

func coerceMeasurements(verr *ValidationError, v any) []rrc.Measurement {
	switch list := v.(type) {
	case []rrc.Measurement:
		out := make([]rrc.Measurement, len(list))
		copy(out, list)
		return out
	case []map[string]any:
		out := make([]rrc.Measurement, 0, len(list))
		for i, item := range list {
			out = append(out, coerceMeasurement(verr, i, item))
		}
		return out
	case []any:
		out := make([]rrc.Measurement, 0, len(list))
		for i, item := range list {
			switch m := item.(type) {
			case map[string]any:
				out = append(out, coerceMeasurement(verr, i, m))
			case rrc.Measurement:
				out = append(out, m)
			default:
				verr.add(fmt.Sprintf("%s[%d]", ParamMeasurements, i), fmt.Sprintf("expected mapping, got %T", item))
			}
		}
		return out
	default:
		verr.add(ParamMeasurements, fmt.Sprintf("expected list, got %T", v))
		return nil
	}
}

func coerceMeasurement(verr *ValidationError, idx int, m map[string]any) rrc.Measurement {
	var out rrc.Measurement
	fields := []struct {
		key string
		dst *uint16
	}{
		{"earfcn", &out.EARFCN},
		{"interval", &out.Interval},
		{"max_cells", &out.MaxCells},
		{"max_meas", &out.MaxMeas},
	}
	for _, f := range fields {
		name := fmt.Sprintf("%s[%d].%s", ParamMeasurements, idx, f.key)
		raw, ok := m[f.key]
		if !ok || raw == nil {
			verr.add(name, "required")
			continue
		}
		v, err := coerceUint(raw, 16)
		if err != nil {
			verr.add(name, err.Error())
			continue
		}
		*f.dst = uint16(v)
	}
	return out
}

// coerceUint accepts any integer kind, an integral float, a json.Number or a
// decimal string and checks the result fits in bits.
func coerceUint(v any, bits int) (uint64, error) {
	var u uint64
	switch x := v.(type) {
	case json.Number:
		u, err := parseUint(string(x), bits)
		if !errors.Is(err, errNotNumeric) {
			return u, err
		}
		// "100.0" and "1e2" arrive this way from a UseNumber decoder.
		f, ferr := x.Float64()
		if ferr != nil {
			return 0, errNotNumeric
		}
		return floatToUint(f, bits)
	case string:
		return parseUint(x, bits)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if rv.Int() < 0 {
			return 0, errNegative
		}
		u = uint64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u = rv.Uint()
	case reflect.Float32, reflect.Float64:
		return floatToUint(rv.Float(), bits)
	default:
		return 0, errNotNumeric
	}
	if bits < 64 && u > (uint64(1)<<bits)-1 {
		return 0, fmt.Errorf("out of range for uint%d", bits)
	}
	return u, nil
}

func floatToUint(f float64, bits int) (uint64, error) {
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0, errNotNumeric
	case f < 0:
		return 0, errNegative
	case f != math.Trunc(f):
		return 0, errFraction
	case f >= math.Ldexp(1, bits):
		return 0, fmt.Errorf("out of range for uint%d", bits)
	}
	return uint64(f), nil
}

func parseUint(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	u, err := strconv.ParseUint(s, 10, bits)
	if err == nil {
		return u, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("out of range for uint%d", bits)
	}
	if strings.HasPrefix(s, "-") {
		if _, perr := strconv.ParseInt(s, 10, 64); perr == nil {
			return 0, errNegative
		}
	}
	return 0, errNotNumeric
}
