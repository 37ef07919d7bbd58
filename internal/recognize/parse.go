package recognize

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/receiptwise/pipeline/internal/entity"
)

var (
	// reItem matches a trailing "<name> [x<qty>] <price>" pattern, with an
	// optional currency suffix. Unmatched lines stay in the raw text only.
	reItem = regexp.MustCompile(`^(.+?)(?:\s+[xX×](\d+))?\s+([0-9][0-9,]*)\s*円?$`)
	reDate = regexp.MustCompile(`(20\d{2})[/年.\-](\d{1,2})[/月.\-](\d{1,2})`)
)

// ParseReceipt turns raw recognized text into a structured OCRResult. The
// heuristic keeps every line in the raw text and extracts items only from
// lines that match the trailing price pattern.
func ParseReceipt(raw string, confidence float64) entity.OCRResult {
	res := entity.OCRResult{
		RawText:       raw,
		AvgConfidence: confidence,
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if res.Store == "" {
			// The first non-empty line is the best store-name candidate on
			// most receipts.
			if m := reItem.FindStringSubmatch(line); m == nil {
				res.Store = line
			}
		}
		if res.Date == "" {
			if m := reDate.FindStringSubmatch(line); m != nil {
				res.Date = normalizeDate(m[1], m[2], m[3])
			}
		}

		if item, ok := parseItemLine(line); ok {
			res.Items = append(res.Items, item)
		}
	}
	return res
}

func parseItemLine(line string) (entity.ReceiptItem, bool) {
	m := reItem.FindStringSubmatch(line)
	if m == nil {
		return entity.ReceiptItem{}, false
	}

	name := strings.TrimSpace(m[1])
	if name == "" {
		return entity.ReceiptItem{}, false
	}

	price, err := strconv.Atoi(strings.ReplaceAll(m[3], ",", ""))
	if err != nil {
		return entity.ReceiptItem{}, false
	}

	item := entity.ReceiptItem{Name: name, Quantity: 1, Price: price}
	if m[2] != "" {
		if qty, err := strconv.Atoi(m[2]); err == nil && qty > 0 {
			item.Quantity = qty
		}
	}
	return item, true
}

func normalizeDate(y, m, d string) string {
	if len(m) == 1 {
		m = "0" + m
	}
	if len(d) == 1 {
		d = "0" + d
	}
	return y + "-" + m + "-" + d
}
