// Package memo encodes carts into the compact memo token carried by payment
// transfers and decodes such memos back into printable order lines.
package memo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/punchamoorthee/tablepay/internal/catalog"
	"github.com/punchamoorthee/tablepay/internal/domain"
)

const (
	dishPrefix  = "d"
	drinkPrefix = "b"
)

var (
	itemMarkerRe = regexp.MustCompile(`(?:^|;)\s*[db]:\d`)
	optionCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]*$`)
)

var ErrInvalidCart = errors.New("invalid cart")

// ValidateCart rejects items Encode cannot represent unambiguously.
func ValidateCart(cart []domain.CartItem) error {
	if len(cart) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrInvalidCart)
	}
	for i, item := range cart {
		switch {
		case item.Kind != domain.CategoryDish && item.Kind != domain.CategoryDrink:
			return fmt.Errorf("%w: item %d has unknown kind %q", ErrInvalidCart, i, item.Kind)
		case item.ItemID <= 0:
			return fmt.Errorf("%w: item %d has id %d", ErrInvalidCart, i, item.ItemID)
		case item.Quantity < 0:
			return fmt.Errorf("%w: item %d has quantity %d", ErrInvalidCart, i, item.Quantity)
		case !optionCodeRe.MatchString(item.Size) || !optionCodeRe.MatchString(item.Cuisson):
			return fmt.Errorf("%w: item %d has a malformed option code", ErrInvalidCart, i)
		}
	}
	return nil
}

// Encode renders cart lines as `d:<id>[,s:<size>][,c:<cuisson>][,q:<n>]` joined by ';'.
// A single line is terminated with ';' so that the decoder recognizes it.
func Encode(cart []domain.CartItem) string {
	lines := make([]string, 0, len(cart))
	for _, item := range cart {
		prefix := dishPrefix
		if item.Kind == domain.CategoryDrink {
			prefix = drinkPrefix
		}
		var b strings.Builder
		b.WriteString(prefix)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(item.ItemID))
		if item.Size != "" {
			b.WriteString(",s:" + item.Size)
		}
		if item.Cuisson != "" {
			b.WriteString(",c:" + item.Cuisson)
		}
		if item.Quantity > 1 {
			b.WriteString(",q:" + strconv.Itoa(item.Quantity))
		}
		lines = append(lines, b.String())
	}
	out := strings.Join(lines, ";")
	if len(lines) == 1 {
		out += ";"
	}
	return out
}

// Result is the outcome of parsing a memo body.
type Result struct {
	Kind  domain.MemoKind
	Lines []domain.OrderLine
}

// Decode returns the order lines for memo. It never fails: anything that is
// not an encoded order comes back as a single raw line.
func Decode(memo string, cat catalog.MenuCatalog) []domain.OrderLine {
	return Parse(memo, cat).Lines
}

// Parse is Decode with the codified/free-text distinction exposed.
func Parse(memo string, cat catalog.MenuCatalog) Result {
	body := stripMetadata(memo)
	if !itemMarkerRe.MatchString(body) || !strings.Contains(body, ";") {
		content := body
		if content == "" {
			content = strings.TrimSpace(memo)
		}
		return Result{Kind: domain.MemoFreeText, Lines: []domain.OrderLine{domain.Raw(content)}}
	}

	var lines []domain.OrderLine
	for _, segment := range strings.Split(body, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		lines = append(lines, decodeSegment(segment, cat))
	}
	return Result{Kind: domain.MemoCodified, Lines: withSeparator(lines)}
}

func decodeSegment(segment string, cat catalog.MenuCatalog) domain.OrderLine {
	fields := strings.Split(segment, ",")
	prefix, rawID, ok := strings.Cut(strings.TrimSpace(fields[0]), ":")
	if !ok {
		return domain.Raw(segment)
	}
	var kind domain.CategoryKind
	switch prefix {
	case dishPrefix:
		kind = domain.CategoryDish
	case drinkPrefix:
		kind = domain.CategoryDrink
	default:
		return domain.Raw(segment)
	}
	rawID, _, _ = strings.Cut(rawID, "-")
	id, err := strconv.Atoi(rawID)
	if err != nil {
		return domain.Raw(segment)
	}

	qty := 1
	var size, cuisson string
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(f), ":")
		if !ok {
			continue
		}
		switch k {
		case "q":
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				qty = n
			}
		case "s":
			size = v
		case "c":
			cuisson = v
		}
	}

	var item catalog.Item
	found := false
	if cat != nil {
		item, found = cat.Get(catalog.Key(kind, id))
	}
	name := fmt.Sprintf("Unknown %s #%d", kind, id)
	if found {
		name = item.Name
		size = resolve(item.Sizes, size)
		cuisson = resolve(item.Cuissons, cuisson)
	}
	if size != "" {
		name += " " + size
	}
	if cuisson != "" {
		name += " (" + cuisson + ")"
	}
	return domain.Item(qty, name, kind)
}

func resolve(options []catalog.Option, code string) string {
	if code == "" {
		return ""
	}
	for _, o := range options {
		if o.Code == code && o.Label != "" {
			return o.Label
		}
	}
	return code
}

// withSeparator inserts one separator between a block of dishes and a block of
// drinks. Interleaved orders are left as they are.
func withSeparator(lines []domain.OrderLine) []domain.OrderLine {
	var prev domain.CategoryKind
	boundary, transitions := -1, 0
	for i, l := range lines {
		if l.Kind != domain.LineItem {
			continue
		}
		if prev != "" && l.Category != prev {
			transitions++
			boundary = i
		}
		prev = l.Category
	}
	if transitions != 1 {
		return lines
	}
	out := make([]domain.OrderLine, 0, len(lines)+1)
	out = append(out, lines[:boundary]...)
	out = append(out, domain.Separator())
	return append(out, lines[boundary:]...)
}
