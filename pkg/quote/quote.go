package quote

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"

	"repairhub/pkg/domain"
)

const (
	DefaultFallbackMin = 100
	DefaultFallbackMax = 1100
)

var (
	laborPattern    = regexp.MustCompile(`(?i)\blabou?r\s*:\s*₹?\s*([0-9][0-9,]*)`)
	deliveryPattern = regexp.MustCompile(`(?i)\bdelivery\s*:\s*₹?\s*([0-9][0-9,]*)`)
	distancePattern = regexp.MustCompile(`(?i)\bdistance\s*:\s*([0-9]+(?:\.[0-9]+)?)\s*km`)
	totalPattern    = regexp.MustCompile(`(?i)\btotal\s*:\s*₹?\s*([0-9][0-9,]*)`)
	severityPattern = regexp.MustCompile(`(?i)\b(minor|moderate|major)\b`)
)

// Extractor turns expert replies into bookable quotes. The zero value uses
// the default fallback range and the global random source.
type Extractor struct {
	FallbackMin int
	FallbackMax int
	// IntN returns a value in [0, n). Nil means math/rand/v2.IntN.
	IntN func(n int) int
}

var defaultExtractor = Extractor{}

// Extract parses text with the default extractor.
func Extract(text string) domain.Quote {
	return defaultExtractor.Extract(text)
}

// HasQuoteTag reports whether text carries the price breakdown marker.
func HasQuoteTag(text string) bool {
	return strings.Contains(text, domain.QuoteMarker)
}

// Extract returns the quote embedded in text. It never fails: when no total
// can be read a placeholder total in the fallback range is returned with
// Parsed set to false.
func (e Extractor) Extract(text string) domain.Quote {
	q := domain.Quote{Severity: findSeverity(text)}
	line, ok := breakdownSection(text)
	if ok {
		q.Labor, _ = findAmount(laborPattern, line)
		q.Delivery, _ = findAmount(deliveryPattern, line)
		if m := distancePattern.FindStringSubmatch(line); m != nil {
			if km, err := strconv.ParseFloat(m[1], 64); err == nil {
				q.DistanceKm = km
			}
		}
		if total, found := findAmount(totalPattern, line); found {
			q.Total = total
			q.Parsed = true
		} else if q.Labor > 0 && q.Delivery > 0 {
			q.Total = q.Labor + q.Delivery
			q.Parsed = true
		}
	}
	if !q.Parsed {
		q.Total = e.FallbackTotal()
	}
	q.TotalDisplay = FormatRupees(q.Total)
	return q
}

// FallbackTotal draws a placeholder total in [FallbackMin, FallbackMax].
func (e Extractor) FallbackTotal() int {
	lo, hi := e.FallbackMin, e.FallbackMax
	if lo <= 0 {
		lo = DefaultFallbackMin
	}
	if hi <= 0 {
		hi = DefaultFallbackMax
	}
	if hi < lo {
		lo, hi = hi, lo
	}
	intN := e.IntN
	if intN == nil {
		intN = rand.IntN
	}
	return lo + intN(hi-lo+1)
}

// FormatRupees renders an amount the way quotes display it, e.g. "₹830".
func FormatRupees(amount int) string {
	return fmt.Sprintf("₹%d", amount)
}

// breakdownSection returns the text following the marker up to the end of its
// line. When that line carries no amounts the breakdown was wrapped onto the
// following lines, so the rest of the message is returned instead.
func breakdownSection(text string) (string, bool) {
	idx := strings.Index(text, domain.QuoteMarker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(domain.QuoteMarker):]
	line := rest
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		line = rest[:nl]
	}
	for _, re := range []*regexp.Regexp{totalPattern, laborPattern, deliveryPattern} {
		if re.MatchString(line) {
			return line, true
		}
	}
	return rest, true
}

func findAmount(re *regexp.Regexp, s string) (int, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	digits := strings.ReplaceAll(m[1], ",", "")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

func findSeverity(text string) domain.Severity {
	m := severityPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return domain.Severity(strings.ToLower(m[1]))
}
