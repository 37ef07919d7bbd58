package recognize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receiptwise/pipeline/internal/entity"
)

func TestParseReceipt(t *testing.T) {
	raw := "マルエツ 渋谷店\n2025/03/14 18:42\nMilk x2 360円\nBread 158\nTOTAL IGNORED LINE\n"

	res := ParseReceipt(raw, 0.87)

	assert.Equal(t, raw, res.RawText)
	assert.Equal(t, 0.87, res.AvgConfidence)
	assert.Equal(t, "マルエツ 渋谷店", res.Store)
	assert.Equal(t, "2025-03-14", res.Date)

	require.Len(t, res.Items, 2)
	assert.Equal(t, entity.ReceiptItem{Name: "Milk", Quantity: 2, Price: 360}, res.Items[0])
	assert.Equal(t, entity.ReceiptItem{Name: "Bread", Quantity: 1, Price: 158}, res.Items[1])
}

func TestParseReceiptItemLines(t *testing.T) {
	tests := []struct {
		name string
		line string
		want entity.ReceiptItem
		ok   bool
	}{
		{"plain", "Bread 158", entity.ReceiptItem{Name: "Bread", Quantity: 1, Price: 158}, true},
		{"quantity lower x", "Milk x2 360", entity.ReceiptItem{Name: "Milk", Quantity: 2, Price: 360}, true},
		{"quantity upper x", "Milk X3 540", entity.ReceiptItem{Name: "Milk", Quantity: 3, Price: 540}, true},
		{"quantity multiplication sign", "卵 ×2 430円", entity.ReceiptItem{Name: "卵", Quantity: 2, Price: 430}, true},
		{"yen suffix", "Milk x2 360円", entity.ReceiptItem{Name: "Milk", Quantity: 2, Price: 360}, true},
		{"thousands separator", "Wagyu 1,080円", entity.ReceiptItem{Name: "Wagyu", Quantity: 1, Price: 1080}, true},
		{"multi word name", "Green Tea 500ml 128", entity.ReceiptItem{Name: "Green Tea 500ml", Quantity: 1, Price: 128}, true},
		{"no trailing price", "ありがとうございました", entity.ReceiptItem{}, false},
		{"bare number", "18:42", entity.ReceiptItem{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseItemLine(tt.line)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestParseReceiptDates(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"2025/03/14", "2025-03-14"},
		{"2025年3月14日", "2025-03-14"},
		{"2025-3-4", "2025-03-04"},
		{"2025.12.31", "2025-12-31"},
		{"no date here", ""},
	}

	for _, tt := range tests {
		res := ParseReceipt(tt.raw, 1)
		assert.Equal(t, tt.want, res.Date, "raw=%q", tt.raw)
	}
}

func TestParseReceiptStoreIsFirstNonItemLine(t *testing.T) {
	// An item-shaped first line must not be mistaken for the store name.
	res := ParseReceipt("Milk x2 360円\nセブンイレブン\n", 1)
	assert.Equal(t, "セブンイレブン", res.Store)
}

func TestParseReceiptEmpty(t *testing.T) {
	res := ParseReceipt("", 0)
	assert.Empty(t, res.Store)
	assert.Empty(t, res.Date)
	assert.Empty(t, res.Items)
}
