package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferRecord is one inbound payment observed on the payment network.
// Records are append-only; only Fulfilled/FulfilledAt and ParsedMemo change.
type TransferRecord struct {
	ID          int64           `json:"id"`
	FromAccount string          `json:"from_account"`
	Amount      decimal.Decimal `json:"amount"`
	TokenSymbol string          `json:"token_symbol"`
	Memo        string          `json:"memo"`
	ParsedMemo  *ParsedMemo     `json:"parsed_memo,omitempty"`
	// ReceivedAt is observation time, not network-confirmed time.
	ReceivedAt  time.Time  `json:"received_at"`
	Fulfilled   bool       `json:"fulfilled"`
	FulfilledAt *time.Time `json:"fulfilled_at,omitempty"`
}

type LineKind string

const (
	LineItem      LineKind = "item"
	LineSeparator LineKind = "separator"
	LineRaw       LineKind = "raw"
)

type CategoryKind string

const (
	CategoryDish  CategoryKind = "dish"
	CategoryDrink CategoryKind = "drink"
)

// OrderLine is a decoded memo line. Kind selects which fields are meaningful:
// items carry Quantity/Description/Category, raw lines carry Content.
type OrderLine struct {
	Kind        LineKind     `json:"type"`
	Quantity    int          `json:"quantity,omitempty"`
	Description string       `json:"description,omitempty"`
	Category    CategoryKind `json:"category,omitempty"`
	Content     string       `json:"content,omitempty"`
}

func Item(qty int, description string, category CategoryKind) OrderLine {
	return OrderLine{Kind: LineItem, Quantity: qty, Description: description, Category: category}
}

func Separator() OrderLine {
	return OrderLine{Kind: LineSeparator}
}

func Raw(content string) OrderLine {
	return OrderLine{Kind: LineRaw, Content: content}
}

// MemoKind tells callers whether a memo carried an encoded order or free text.
type MemoKind string

const (
	MemoCodified MemoKind = "codified"
	MemoFreeText MemoKind = "free_text"
)

// ParsedMemo is the cached decode of a transfer memo against one catalog version.
type ParsedMemo struct {
	CatalogVersion string      `json:"catalog_version"`
	Kind           MemoKind    `json:"kind"`
	Lines          []OrderLine `json:"lines"`
	Table          string      `json:"table,omitempty"`
	Tag            string      `json:"tag,omitempty"`
}

// CartItem is one line of a customer cart before encoding.
type CartItem struct {
	Kind     CategoryKind `json:"kind"`
	ItemID   int          `json:"item_id"`
	Size     string       `json:"size,omitempty"`
	Cuisson  string       `json:"cuisson,omitempty"`
	Quantity int          `json:"quantity"`
}

// LogicalOrder groups the transfers that make up one customer interaction.
type LogicalOrder struct {
	Key       string            `json:"key"`
	Tag       string            `json:"correlation_tag,omitempty"`
	Primary   *TransferRecord   `json:"primary"`
	Secondary *TransferRecord   `json:"secondary,omitempty"`
	MemberIDs []int64           `json:"member_ids"`
	Members   []*TransferRecord `json:"-"`
}

// Memo returns the memo used for timing and display: the primary's.
func (o LogicalOrder) Memo() string {
	if o.Primary == nil {
		return ""
	}
	return o.Primary.Memo
}

type TimingKind string

const (
	TimingPickup TimingKind = "pickup"
	TimingDineIn TimingKind = "dinein"
)

// TimingDecision is nil-able in practice: a nil *TimingDecision means immediate.
type TimingDecision struct {
	Kind   TimingKind `json:"kind"`
	Target time.Time  `json:"target"`
}
