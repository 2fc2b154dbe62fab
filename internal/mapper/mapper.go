// Package mapper turns confirmed Odoo sales orders into normalized webhook
// payloads. Related entities (partners, lines, products, templates) are
// fetched with one batched read per model so a cycle never degenerates
// into per-order calls.
package mapper

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/order"
)

// OdooClient is the slice of the JSON-RPC client the mapper needs.
type OdooClient interface {
	SearchRead(ctx context.Context, model string, domain []any, fields []string, limit int, order string) ([]map[string]any, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error)
}

// DedupIndex is the slice of the sent-order repository the mapper needs to
// drop already-delivered identities before fetching related entities.
type DedupIndex interface {
	Exists(ctx context.Context, connectionID, orderID int64, writeDate string) (bool, error)
}

// FieldError reports an order whose Odoo record did not have the expected
// shape. The order is skipped; the cycle continues.
type FieldError struct {
	Model string
	Field string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("mapper: %s record missing usable %s", e.Model, e.Field)
}

var saleOrderFields = []string{
	"id", "name", "partner_id", "order_line", "amount_total", "currency_id", "write_date",
}

// Mapper builds payloads for one connection's new orders.
type Mapper struct {
	dedup  DedupIndex
	logger *slog.Logger
}

// New creates a Mapper.
func New(dedup DedupIndex, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mapper{dedup: dedup, logger: logger}
}

// Result is the outcome of mapping one cycle's orders.
type Result struct {
	// Payloads are the deliverable payloads, in the order Odoo returned
	// the orders.
	Payloads []*order.Payload
	// Found is the number of orders returned by the search, before
	// deduplication.
	Found int
	// Skipped is the number of orders dropped because their records could
	// not be mapped.
	Skipped int
	// MaxWriteDate is the largest write_date over all found orders
	// (pre-dedup), in Odoo datetime format. Empty when nothing was found.
	MaxWriteDate string
}

// MapConnectionOrders fetches orders confirmed since the cursor and builds
// their payloads in the order Odoo returned them.
func (m *Mapper) MapConnectionOrders(ctx context.Context, client OdooClient, conn *connection.Connection, since string) (*Result, error) {
	domain := []any{
		[]any{"state", "in", []any{"sale", "done"}},
		[]any{"write_date", ">", since},
	}
	records, err := client.SearchRead(ctx, "sale.order", domain, saleOrderFields, 0, "write_date asc")
	if err != nil {
		return nil, err
	}
	result := &Result{Found: len(records)}

	// Drop identities already in the dedup index before fetching anything
	// related. Odoo datetimes compare lexicographically, so the max
	// write_date falls out of the same pass.
	fresh := records[:0]
	for _, rec := range records {
		id := asInt64(rec["id"])
		writeDate := asString(rec["write_date"])
		if writeDate > result.MaxWriteDate {
			result.MaxWriteDate = writeDate
		}
		exists, err := m.dedup.Exists(ctx, conn.ID, id, writeDate)
		if err != nil {
			return nil, err
		}
		if !exists {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return result, nil
	}

	related, err := m.fetchRelated(ctx, client, fresh)
	if err != nil {
		return nil, err
	}

	for _, rec := range fresh {
		payload, err := m.buildPayload(conn, rec, related)
		if err != nil {
			result.Skipped++
			m.logger.Warn("skipping unmappable order",
				"connection_id", conn.ID,
				"order_id", asInt64(rec["id"]),
				"error", err,
			)
			continue
		}
		result.Payloads = append(result.Payloads, payload)
	}
	return result, nil
}

// relatedRecords holds the batched lookups keyed by record id.
type relatedRecords struct {
	partners  map[int64]map[string]any
	lines     map[int64]map[string]any
	products  map[int64]map[string]any
	templates map[int64]map[string]any
}

func (m *Mapper) fetchRelated(ctx context.Context, client OdooClient, records []map[string]any) (*relatedRecords, error) {
	partnerIDs := collectIDs(records, func(rec map[string]any) []int64 {
		if id, _, ok := many2one(rec["partner_id"]); ok {
			return []int64{id}
		}
		return nil
	})
	lineIDs := collectIDs(records, func(rec map[string]any) []int64 {
		return idList(rec["order_line"])
	})

	partners, err := client.Read(ctx, "res.partner", partnerIDs,
		[]string{"id", "name", "email", "vat"})
	if err != nil {
		return nil, err
	}
	lines, err := client.Read(ctx, "sale.order.line", lineIDs,
		[]string{"id", "product_id", "name", "product_uom_qty", "price_unit", "price_subtotal"})
	if err != nil {
		return nil, err
	}

	lineByID := indexByID(lines)
	productIDs := collectIDs(lines, func(rec map[string]any) []int64 {
		if id, _, ok := many2one(rec["product_id"]); ok {
			return []int64{id}
		}
		return nil
	})
	products, err := client.Read(ctx, "product.product", productIDs,
		[]string{"id", "default_code", "barcode", "name", "product_tmpl_id"})
	if err != nil {
		return nil, err
	}

	templateIDs := collectIDs(products, func(rec map[string]any) []int64 {
		if id, _, ok := many2one(rec["product_tmpl_id"]); ok {
			return []int64{id}
		}
		return nil
	})
	templates, err := client.Read(ctx, "product.template", templateIDs,
		[]string{"id", "default_code", "barcode"})
	if err != nil {
		return nil, err
	}

	return &relatedRecords{
		partners:  indexByID(partners),
		lines:     lineByID,
		products:  indexByID(products),
		templates: indexByID(templates),
	}, nil
}

func (m *Mapper) buildPayload(conn *connection.Connection, rec map[string]any, related *relatedRecords) (*order.Payload, error) {
	orderID := asInt64(rec["id"])
	if orderID == 0 {
		return nil, &FieldError{Model: "sale.order", Field: "id"}
	}
	writeDate := asString(rec["write_date"])
	if writeDate == "" {
		return nil, &FieldError{Model: "sale.order", Field: "write_date"}
	}

	partnerID, partnerName, ok := many2one(rec["partner_id"])
	if !ok {
		return nil, &FieldError{Model: "sale.order", Field: "partner_id"}
	}
	partner := order.Partner{ID: partnerID, Name: partnerName}
	if prec, ok := related.partners[partnerID]; ok {
		partner.Name = asString(prec["name"])
		partner.Email = asString(prec["email"])
		partner.VAT = asString(prec["vat"])
	}

	_, currency, _ := many2one(rec["currency_id"])

	var lines []order.Line
	for _, lineID := range idList(rec["order_line"]) {
		lrec, ok := related.lines[lineID]
		if !ok {
			return nil, &FieldError{Model: "sale.order.line", Field: "id"}
		}
		qty := asFloat(lrec["product_uom_qty"])
		if qty == 0 {
			continue
		}
		lines = append(lines, order.Line{
			SKU:         m.resolveSKU(conn.Database, lrec["product_id"], related),
			ProductName: asString(lrec["name"]),
			Quantity:    qty,
			UnitPrice:   asFloat(lrec["price_unit"]),
			Subtotal:    asFloat(lrec["price_subtotal"]),
		})
	}

	return &order.Payload{
		ConnectionID: conn.ID,
		OrderID:      orderID,
		OrderName:    asString(rec["name"]),
		WriteDate:    writeDate,
		Partner:      partner,
		Currency:     currency,
		AmountTotal:  asFloat(rec["amount_total"]),
		Lines:        lines,
	}, nil
}

// resolveSKU picks the first non-empty of: product default_code, product
// barcode, template default_code, template barcode; otherwise a synthetic
// "ODOO-{db}-{product_id}".
func (m *Mapper) resolveSKU(database string, productRef any, related *relatedRecords) string {
	productID, _, ok := many2one(productRef)
	if !ok {
		return ""
	}
	if prec, ok := related.products[productID]; ok {
		if sku := asString(prec["default_code"]); sku != "" {
			return sku
		}
		if sku := asString(prec["barcode"]); sku != "" {
			return sku
		}
		if tmplID, _, ok := many2one(prec["product_tmpl_id"]); ok {
			if trec, ok := related.templates[tmplID]; ok {
				if sku := asString(trec["default_code"]); sku != "" {
					return sku
				}
				if sku := asString(trec["barcode"]); sku != "" {
					return sku
				}
			}
		}
	}
	return fmt.Sprintf("ODOO-%s-%d", database, productID)
}
