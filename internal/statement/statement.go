// Package statement renders card statements as XML documents.
package statement

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Dan9191/bank-cards/internal/models"
	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
)

const ContentType = "application/xml; charset=utf-8"

// Render builds the statement of one card. Each transaction is marked as a
// debit or a credit from the point of view of that card.
func Render(card models.CardView, txns []models.TransactionView, generatedAt time.Time) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("CardStatement")
	root.CreateAttr("generatedAt", generatedAt.UTC().Format(time.RFC3339))

	c := root.CreateElement("Card")
	c.CreateAttr("id", strconv.FormatInt(card.ID, 10))
	c.CreateElement("Number").SetText(card.MaskedNumber)
	c.CreateElement("ExpirationDate").SetText(card.ExpirationDate)
	c.CreateElement("Status").SetText(string(card.Status))
	c.CreateElement("Balance").SetText(card.Balance.StringFixed(2))

	var debit, credit decimal.Decimal
	list := root.CreateElement("Transactions")
	for _, t := range txns {
		e := list.CreateElement("Transaction")
		e.CreateAttr("id", strconv.FormatInt(t.ID, 10))

		switch card.ID {
		case t.FromCardID:
			e.CreateAttr("direction", "debit")
			e.CreateElement("CounterpartCardId").SetText(strconv.FormatInt(t.ToCardID, 10))
			debit = debit.Add(t.Amount)
		case t.ToCardID:
			e.CreateAttr("direction", "credit")
			e.CreateElement("CounterpartCardId").SetText(strconv.FormatInt(t.FromCardID, 10))
			credit = credit.Add(t.Amount)
		default:
			return nil, fmt.Errorf("transaction %d does not involve card %d", t.ID, card.ID)
		}

		e.CreateElement("Timestamp").SetText(t.Timestamp.UTC().Format(time.RFC3339))
		e.CreateElement("Amount").SetText(t.Amount.StringFixed(2))
		if t.Description != "" {
			e.CreateElement("Description").SetText(t.Description)
		}
	}

	totals := root.CreateElement("Totals")
	totals.CreateElement("Debit").SetText(debit.StringFixed(2))
	totals.CreateElement("Credit").SetText(credit.StringFixed(2))
	totals.CreateElement("Count").SetText(strconv.Itoa(len(txns)))

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to write statement: %w", err)
	}
	return out, nil
}
