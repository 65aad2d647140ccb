package grouper

import (
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/rules"
)

// ToFloat coerces the numeric value shapes that survive JSON and file
// ingestion (float64, int, numeric strings).
func ToFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// aggregate computes the configured aggregates over one side's members.
func aggregate(records []model.SourceRecord, specs []rules.AggregateSpec) (map[string]any, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		switch spec.Func {
		case model.AggregateCount:
			out[spec.Field] = float64(len(records))
		case model.AggregateSum, model.AggregateMin, model.AggregateMax:
			val, err := fold(records, spec)
			if err != nil {
				return nil, err
			}
			out[spec.Field] = val
		default:
			return nil, eris.Errorf("grouper: unknown aggregate func %q", spec.Func)
		}
	}
	return out, nil
}

func fold(records []model.SourceRecord, spec rules.AggregateSpec) (float64, error) {
	var acc float64
	seeded := false
	for _, rec := range records {
		raw, ok := rec.Fields[spec.Field]
		if !ok {
			continue
		}
		f, ok := ToFloat(raw)
		if !ok {
			return 0, eris.Errorf("grouper: field %s on record %s is not numeric", spec.Field, rec.ID)
		}
		if !seeded {
			acc = f
			seeded = true
			continue
		}
		switch spec.Func {
		case model.AggregateSum:
			acc += f
		case model.AggregateMin:
			if f < acc {
				acc = f
			}
		case model.AggregateMax:
			if f > acc {
				acc = f
			}
		}
	}
	return acc, nil
}
