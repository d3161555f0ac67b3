package returns

import "strings"

type Column struct {
	Key   string
	Label string
}

// Columns is the canonical schema in storage order.
var Columns = []Column{
	{Key: "timestamp", Label: "Return Time"},
	{Key: "tracking_number", Label: "Tracking Number"},
	{Key: "product_name", Label: "Product Name"},
	{Key: "barcode", Label: "Barcode"},
	{Key: "SAIN", Label: "SAIN"},
	{Key: "product_name_actual", Label: "Actual Product Name"},
	{Key: "return_reason", Label: "Return Reason"},
	{Key: "notes", Label: "Notes"},
	{Key: "image_name", Label: "Image Files"},
}

const imageColumnKey = "image_name"

// legacyLabels are the column headers of display exports from the older tool.
var legacyLabels = map[string]string{
	"退货时间":   "timestamp",
	"货件号":    "tracking_number",
	"产品名称":   "product_name",
	"条形码":    "barcode",
	"SAIN码":  "SAIN",
	"实际产品名称": "product_name_actual",
	"退货原因":   "return_reason",
	"备注":     "notes",
	"图片文件名":  "image_name",
}

func StorageKeys() []string {
	keys := make([]string, len(Columns))
	for i, col := range Columns {
		keys[i] = col.Key
	}
	return keys
}

func DisplayLabels() []string {
	labels := make([]string, len(Columns))
	for i, col := range Columns {
		labels[i] = col.Label
	}
	return labels
}

// BaseLabels are the display labels of every column except the image list.
func BaseLabels() []string {
	labels := make([]string, 0, len(Columns)-1)
	for _, col := range Columns {
		if col.Key == imageColumnKey {
			continue
		}
		labels = append(labels, col.Label)
	}
	return labels
}

// BaseValues returns the record's cells matching BaseLabels.
func (r Record) BaseValues() []string {
	return []string{
		r.Timestamp.String(),
		r.TrackingNumber,
		r.ProductName,
		r.Barcode,
		r.SAIN,
		r.ActualProductName,
		string(r.Reason),
		r.Notes,
	}
}

// Values returns every cell in storage order.
func (r Record) Values() []string {
	return append(r.BaseValues(), r.ImageNames.String())
}

// LookupColumn matches a header by storage key, display label, or legacy label,
// ignoring case and surrounding whitespace.
func LookupColumn(header string) (Column, bool) {
	header = strings.TrimSpace(strings.TrimPrefix(header, "\ufeff"))
	legacyKey := legacyLabels[header]
	for _, col := range Columns {
		if strings.EqualFold(header, col.Key) || strings.EqualFold(header, col.Label) || col.Key == legacyKey {
			return col, true
		}
	}
	return Column{}, false
}
