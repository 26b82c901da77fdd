package memo

import (
	"strings"
	"testing"

	"github.com/punchamoorthee/tablepay/internal/catalog"
	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCatalog() *catalog.Snapshot {
	return catalog.NewSnapshot([]catalog.Item{
		{ID: 12, Kind: domain.CategoryDish, Name: "Burger", Cuissons: []catalog.Option{{Code: "r", Label: "rare"}}},
		{ID: 7, Kind: domain.CategoryDish, Name: "Salad"},
		{ID: 5, Kind: domain.CategoryDrink, Name: "Cola", Sizes: []catalog.Option{{Code: "small", Label: "small"}, {Code: "large", Label: "large"}}},
		{ID: 9, Kind: domain.CategoryDrink, Name: "Water"},
	})
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name string
		cart []domain.CartItem
		want string
	}{
		{"empty", nil, ""},
		{"single line is terminated", []domain.CartItem{{Kind: domain.CategoryDish, ItemID: 12, Quantity: 1}}, "d:12;"},
		{
			"options and quantity",
			[]domain.CartItem{
				{Kind: domain.CategoryDish, ItemID: 12, Cuisson: "r", Quantity: 2},
				{Kind: domain.CategoryDrink, ItemID: 5, Size: "large", Quantity: 1},
			},
			"d:12,c:r,q:2;b:5,s:large",
		},
		{"zero quantity omitted", []domain.CartItem{{Kind: domain.CategoryDrink, ItemID: 9}, {Kind: domain.CategoryDrink, ItemID: 5}}, "b:9;b:5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.cart))
		})
	}
}

func TestRoundTripPreservesOrder(t *testing.T) {
	cat := testCatalog()
	cart := []domain.CartItem{
		{Kind: domain.CategoryDish, ItemID: 7, Quantity: 1},
		{Kind: domain.CategoryDish, ItemID: 12, Quantity: 1},
		{Kind: domain.CategoryDish, ItemID: 7, Quantity: 1},
	}
	lines := Decode(Encode(cart), cat)
	require.Len(t, lines, 3)
	for i, want := range []string{"Salad", "Burger", "Salad"} {
		assert.Equal(t, domain.Item(1, want, domain.CategoryDish), lines[i])
	}

	single := Decode(Encode(cart[:1]), cat)
	assert.Equal(t, []domain.OrderLine{domain.Item(1, "Salad", domain.CategoryDish)}, single)
}

func TestDecodeScenario(t *testing.T) {
	memo := "d:12,q:2;b:5,s:large TABLE 7 abc-inno-1a2b-3c4d"

	lines := Decode(memo, testCatalog())
	assert.Equal(t, []domain.OrderLine{
		domain.Item(2, "Burger", domain.CategoryDish),
		domain.Separator(),
		domain.Item(1, "Cola large", domain.CategoryDrink),
	}, lines)

	table, ok := ExtractTable(memo)
	require.True(t, ok)
	assert.Equal(t, "7", table)
	assert.Equal(t, "abc-inno-1a2b-3c4d", ExtractTag(memo))
}

func TestDecodeFallsBackToRaw(t *testing.T) {
	tests := []struct {
		name string
		memo string
		want string
	}{
		{"garbage", "???", "???"},
		{"no separator", "d:12 TABLE 3", "d:12"},
		{"waiter call", "Call waiter please TABLE 3 abc-inno-1a2b-3c4d", "Call waiter please"},
		{"only marker", "No table specified", "No table specified"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Parse(tt.memo, nil)
			assert.Equal(t, domain.MemoFreeText, res.Kind)
			assert.Equal(t, []domain.OrderLine{domain.Raw(tt.want)}, res.Lines)
		})
	}
}

func TestDecodeDegradesPerLine(t *testing.T) {
	lines := Decode("d:12,c:r;d:99-4;x:1 No table specified", testCatalog())
	require.Len(t, lines, 3)
	assert.Equal(t, domain.Item(1, "Burger (rare)", domain.CategoryDish), lines[0])
	assert.Equal(t, domain.Item(1, "Unknown dish #99", domain.CategoryDish), lines[1])
	assert.Equal(t, domain.Raw("x:1"), lines[2])
}

func TestDecodeWithoutCatalog(t *testing.T) {
	res := Parse("b:5,s:large;d:3", nil)
	assert.Equal(t, domain.MemoCodified, res.Kind)
	assert.Equal(t, []domain.OrderLine{
		domain.Item(1, "Unknown drink #5 large", domain.CategoryDrink),
		domain.Separator(),
		domain.Item(1, "Unknown dish #3", domain.CategoryDish),
	}, res.Lines)
}

func TestSeparatorOnlyForContiguousBlocks(t *testing.T) {
	cat := testCatalog()

	interleaved := Decode("d:12;b:5;d:7", cat)
	for _, l := range interleaved {
		assert.NotEqual(t, domain.LineSeparator, l.Kind)
	}

	drinksFirst := Decode("b:5;b:9;d:12", cat)
	require.Len(t, drinksFirst, 4)
	assert.Equal(t, domain.LineSeparator, drinksFirst[2].Kind)

	dishesOnly := Decode("d:12;d:7", cat)
	assert.Len(t, dishesOnly, 2)
}

func TestDecodeSkipsTimingToken(t *testing.T) {
	lines := Decode("d:12;b:9 P@2026-10-19@19h30 TABLE 4 abc-inno-1a2b-3c4d", testCatalog())
	require.Len(t, lines, 3)
	assert.Equal(t, "Water", lines[2].Description)
}

func TestDecodeNeverPanics(t *testing.T) {
	inputs := []string{"", ";", "d:;b:", "d:abc;b:-1", ",,;;", "q:2;s:large", strings.Repeat("d:1;", 50)}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Decode(in, testCatalog()) }, in)
		assert.NotEmpty(t, Decode(in, testCatalog()), in)
	}
}

func TestValidateCart(t *testing.T) {
	tests := []struct {
		name string
		cart []domain.CartItem
		ok   bool
	}{
		{"dish and drink", []domain.CartItem{{Kind: domain.CategoryDish, ItemID: 12, Cuisson: "r"}, {Kind: domain.CategoryDrink, ItemID: 5, Size: "large", Quantity: 2}}, true},
		{"empty", nil, false},
		{"zero id", []domain.CartItem{{Kind: domain.CategoryDish}}, false},
		{"negative id", []domain.CartItem{{Kind: domain.CategoryDish, ItemID: -4}}, false},
		{"unknown kind", []domain.CartItem{{Kind: "dessert", ItemID: 1}}, false},
		{"negative quantity", []domain.CartItem{{Kind: domain.CategoryDish, ItemID: 1, Quantity: -1}}, false},
		{"option with separator", []domain.CartItem{{Kind: domain.CategoryDrink, ItemID: 5, Size: "large;d:1"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCart(tt.cart)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidCart)
		})
	}
}
