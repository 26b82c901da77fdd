package memo

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// NoTableMarker is appended when the customer picks up at the counter.
	NoTableMarker = "No table specified"
	tablePrefix   = "TABLE"
	tagInfix      = "inno"
	waiterCall    = "call waiter"
)

var (
	tableRe   = regexp.MustCompile(`(?:^|\s)TABLE\s+(\S+)`)
	tagRe     = regexp.MustCompile(`(?i)\b[a-z]{3}-inno-[a-z0-9]{4}-[a-z0-9]{4}\b`)
	timingRe  = regexp.MustCompile(`P@(?:(\d{4}-\d{2}-\d{2})@)?(\d{1,2})h(\d{2})`)
	tableIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]{0,15}$`)
)

// TimingToken is the raw content of a `P@[<date>@]<H>h<MM>` token.
type TimingToken struct {
	Date   string // YYYY-MM-DD, empty for the legacy same-day form
	Hour   int
	Minute int
}

// FindTimingToken returns the first timing token in memo.
func FindTimingToken(memo string) (TimingToken, bool) {
	m := timingRe.FindStringSubmatch(memo)
	if m == nil {
		return TimingToken{}, false
	}
	hour, _ := strconv.Atoi(m[2])
	minute, _ := strconv.Atoi(m[3])
	return TimingToken{Date: m[1], Hour: hour, Minute: minute}, true
}

// FormatTimingToken renders target as a dated timing token.
func FormatTimingToken(target time.Time) string {
	return fmt.Sprintf("P@%s@%dh%02d", target.Format("2006-01-02"), target.Hour(), target.Minute())
}

// HasTableMarker reports whether memo carries either a table number or the pickup marker.
func HasTableMarker(memo string) bool {
	return tableRe.MatchString(memo) || strings.Contains(memo, NoTableMarker)
}

// ExtractTable returns the table number, or false for pickup and unmarked memos.
func ExtractTable(memo string) (string, bool) {
	m := tableRe.FindStringSubmatch(memo)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ExtractTag returns the lower-cased correlation tag, or "".
func ExtractTag(memo string) string {
	return strings.ToLower(tagRe.FindString(memo))
}

// ValidTable reports whether table can follow the TABLE marker as one token
// without being mistaken for a correlation tag.
func ValidTable(table string) bool {
	return tableIDRe.MatchString(table) && !tagRe.MatchString(table)
}

// IsWaiterCall reports whether the transfer is a request for a waiter rather than an order.
func IsWaiterCall(memo string) bool {
	return strings.Contains(strings.ToLower(memo), waiterCall)
}

// NewCorrelationTag returns a random tag of shape `abc-inno-1a2b-3c4d`.
func NewCorrelationTag() string {
	id := uuid.New()
	var prefix [3]byte
	for i := range prefix {
		prefix[i] = 'a' + id[i]%26
	}
	hex := strings.ReplaceAll(id.String(), "-", "")
	return fmt.Sprintf("%s-%s-%s-%s", prefix[:], tagInfix, hex[20:24], hex[24:28])
}

// ComposeOptions are the metadata appended after the encoded items.
type ComposeOptions struct {
	Table  string     // empty means pickup
	Target *time.Time // non-nil for delayed orders
	Tag    string
}

// Compose builds the memo wire format:
// `<items>[ P@<date>@<H>h<MM>] (TABLE <n>|No table specified)[ <tag>]`.
func Compose(encoded string, opts ComposeOptions) string {
	var b strings.Builder
	b.WriteString(encoded)
	if opts.Target != nil {
		b.WriteString(" ")
		b.WriteString(FormatTimingToken(*opts.Target))
	}
	if opts.Table != "" {
		b.WriteString(" " + tablePrefix + " " + opts.Table)
	} else {
		b.WriteString(" " + NoTableMarker)
	}
	if opts.Tag != "" {
		b.WriteString(" ")
		b.WriteString(opts.Tag)
	}
	return b.String()
}

// stripMetadata removes the trailing table marker (and anything after it), timing tokens
// and correlation tags, leaving only the order body.
func stripMetadata(memo string) string {
	cut := len(memo)
	if loc := tableRe.FindStringIndex(memo); loc != nil {
		cut = loc[0]
	}
	if i := strings.Index(memo, NoTableMarker); i >= 0 && i < cut {
		cut = i
	}
	body := memo[:cut]
	body = timingRe.ReplaceAllString(body, "")
	body = tagRe.ReplaceAllString(body, "")
	return strings.TrimSpace(body)
}
