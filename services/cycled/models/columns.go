package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Assets is a JSON encoded list of assets stored in a single text column.
type Assets []Asset

// Value implements driver.Valuer.
func (a Assets) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	return encodeColumn(a)
}

// Scan implements sql.Scanner.
func (a *Assets) Scan(src any) error {
	return decodeColumn(src, a)
}

// IDs returns the asset identifiers in list order.
func (a Assets) IDs() []string {
	out := make([]string, 0, len(a))
	for _, asset := range a {
		out = append(out, asset.ID)
	}
	return out
}

// TotalUSD sums the declared USD value of the assets.
func (a Assets) TotalUSD() float64 {
	var total float64
	for _, asset := range a {
		total += asset.ValueUSD
	}
	return total
}

// Value implements driver.Valuer.
func (w WantSpec) Value() (driver.Value, error) {
	return encodeColumn(w)
}

// Scan implements sql.Scanner.
func (w *WantSpec) Scan(src any) error {
	return decodeColumn(src, w)
}

// StringList persists an ordered list of strings as JSON.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return encodeColumn(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	return decodeColumn(src, l)
}

// Fees persists receipt fee lines as JSON.
type Fees []Fee

// Value implements driver.Valuer.
func (f Fees) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	return encodeColumn(f)
}

// Scan implements sql.Scanner.
func (f *Fees) Scan(src any) error {
	return decodeColumn(src, f)
}

// LegOutcomes persists the per-leg terminal statuses on a receipt.
type LegOutcomes []LegOutcome

// Value implements driver.Valuer.
func (o LegOutcomes) Value() (driver.Value, error) {
	if o == nil {
		return "[]", nil
	}
	return encodeColumn(o)
}

// Scan implements sql.Scanner.
func (o *LegOutcomes) Scan(src any) error {
	return decodeColumn(src, o)
}

func encodeColumn(v any) (driver.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeColumn(src any, dst any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("models: unsupported column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
