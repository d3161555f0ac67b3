package returns

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the on-disk format of Record.Timestamp.
const TimestampLayout = "2006-01-02 15:04:05"

var ErrUnknownReason = errors.New("unknown return reason")

type Reason string

const (
	ReasonPackagingDamaged Reason = "PackagingDamaged"
	ReasonPackagingDirty   Reason = "PackagingDirty"
	ReasonShippingDamage   Reason = "ShippingDamage"
	ReasonOther            Reason = "Other"
)

var reasonLabels = map[Reason]string{
	ReasonPackagingDamaged: "Packaging damaged",
	ReasonPackagingDirty:   "Packaging dirty",
	ReasonShippingDamage:   "Damaged in shipping",
	ReasonOther:            "Other",
}

// legacyReasons are the labels written by the older Chinese-language tool.
var legacyReasons = map[string]Reason{
	"包装破损": ReasonPackagingDamaged,
	"包装较脏": ReasonPackagingDirty,
	"运输损坏": ReasonShippingDamage,
	"其他原因": ReasonOther,
}

// Reasons lists every accepted reason in form order.
func Reasons() []Reason {
	return []Reason{ReasonPackagingDamaged, ReasonPackagingDirty, ReasonShippingDamage, ReasonOther}
}

func (r Reason) Valid() bool {
	_, ok := reasonLabels[r]
	return ok
}

func (r Reason) Label() string {
	if label, ok := reasonLabels[r]; ok {
		return label
	}
	return string(r)
}

func (r Reason) MarshalText() ([]byte, error) {
	return []byte(r), nil
}

func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseReason accepts a reason identifier or its label, case-insensitively, and the
// labels of older logs.
func ParseReason(value string) (Reason, error) {
	value = strings.TrimSpace(value)
	for _, reason := range Reasons() {
		if strings.EqualFold(value, string(reason)) || strings.EqualFold(value, reason.Label()) {
			return reason, nil
		}
	}
	if reason, ok := legacyReasons[value]; ok {
		return reason, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReason, value)
}

// Timestamp is a local wall-clock time stored with second precision.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.Local().Truncate(time.Second)}
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(TimestampLayout)
}

func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Timestamp) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimestampLayout, value, time.Local)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	t.Time = parsed
	return nil
}

// ImageNames is stored as a single comma-joined cell.
type ImageNames []string

func ParseImageNames(value string) ImageNames {
	var names ImageNames
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		names = append(names, part)
	}
	return names
}

func (n ImageNames) String() string {
	return strings.Join(n, ",")
}

func (n ImageNames) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *ImageNames) UnmarshalText(text []byte) error {
	*n = ParseImageNames(string(text))
	return nil
}

// Record is one logged product return. The csv tags are the stored column keys and
// the display tags the labels shown to users; both must stay in step with Columns.
type Record struct {
	Timestamp         Timestamp  `csv:"timestamp" display:"Return Time"`
	TrackingNumber    string     `csv:"tracking_number" display:"Tracking Number"`
	ProductName       string     `csv:"product_name" display:"Product Name"`
	Barcode           string     `csv:"barcode" display:"Barcode"`
	SAIN              string     `csv:"SAIN" display:"SAIN"`
	ActualProductName string     `csv:"product_name_actual" display:"Actual Product Name"`
	Reason            Reason     `csv:"return_reason" display:"Return Reason"`
	Notes             string     `csv:"notes" display:"Notes"`
	ImageNames        ImageNames `csv:"image_name" display:"Image Files"`
}

// Table is the full record set in file order; a row index is a slice index.
type Table []Record

// Select copies the rows at the given indices, in the order given.
func (t Table) Select(indices []int) (Table, error) {
	selected := make(Table, 0, len(indices))
	for _, idx := range indices {
		if idx < 0 || idx >= len(t) {
			return nil, fmt.Errorf("row %d out of range (have %d rows)", idx, len(t))
		}
		selected = append(selected, t[idx])
	}
	return selected, nil
}

// MaxImages is the largest image count attached to any single record.
func (t Table) MaxImages() int {
	max := 0
	for _, rec := range t {
		if n := len(rec.ImageNames); n > max {
			max = n
		}
	}
	return max
}
