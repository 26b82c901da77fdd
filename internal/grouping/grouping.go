// Package grouping folds unfulfilled transfers into logical orders.
package grouping

import (
	"strconv"
	"strings"

	"github.com/punchamoorthee/tablepay/internal/domain"
	"github.com/punchamoorthee/tablepay/internal/memo"
)

// Units names the settlement units an order may be paid in.
type Units struct {
	Primary   string
	Secondary string
}

// Key returns the grouping key of one transfer.
func Key(rec *domain.TransferRecord) string {
	if memo.IsWaiterCall(rec.Memo) {
		return singleton(rec.ID)
	}
	if tag := memo.ExtractTag(rec.Memo); tag != "" {
		return "tag:" + tag
	}
	if m := strings.TrimSpace(rec.Memo); m != "" {
		return "memo:" + m
	}
	return singleton(rec.ID)
}

func singleton(id int64) string {
	return "transfer:" + strconv.FormatInt(id, 10)
}

// Group partitions transfers into logical orders. Every input transfer lands in
// exactly one order; orders keep the order in which their first member appeared.
func Group(transfers []*domain.TransferRecord, units Units) []domain.LogicalOrder {
	index := make(map[string]int)
	var orders []domain.LogicalOrder
	for _, rec := range transfers {
		if rec == nil {
			continue
		}
		key := Key(rec)
		i, ok := index[key]
		if !ok {
			i = len(orders)
			index[key] = i
			orders = append(orders, domain.LogicalOrder{Key: key, Tag: memo.ExtractTag(rec.Memo)})
		}
		orders[i].Members = append(orders[i].Members, rec)
		orders[i].MemberIDs = append(orders[i].MemberIDs, rec.ID)
	}

	for i := range orders {
		o := &orders[i]
		for _, m := range o.Members {
			if o.Primary == nil && strings.EqualFold(m.TokenSymbol, units.Primary) {
				o.Primary = m
			}
			if o.Secondary == nil && units.Secondary != "" && strings.EqualFold(m.TokenSymbol, units.Secondary) {
				o.Secondary = m
			}
		}
		if o.Primary == nil {
			o.Primary = o.Members[0]
		}
		if o.Secondary == o.Primary {
			o.Secondary = nil
		}
	}
	return orders
}

// Find returns the order containing transfer id.
func Find(orders []domain.LogicalOrder, id int64) (domain.LogicalOrder, bool) {
	for _, o := range orders {
		for _, m := range o.MemberIDs {
			if m == id {
				return o, true
			}
		}
	}
	return domain.LogicalOrder{}, false
}
