package followup

import (
	"fmt"
	"strings"

	"dunner/internal/billing"
)

// RenderTemplate substitutes {key} placeholders in a message template.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// templateData builds the substitution map for one invoice.
func templateData(inv billing.Invoice) map[string]string {
	return map[string]string{
		"customer_name": inv.CustomerName,
		"invoice_id":    inv.ExternalID,
		"amount":        formatAmount(inv.BalanceCents, inv.Currency),
		"due_date":      inv.DueDate.Format("2006-01-02"),
	}
}

func formatAmount(cents int64, currency string) string {
	if currency == "" {
		currency = "EUR"
	}
	return fmt.Sprintf("%s %d.%02d", currency, cents/100, cents%100)
}

// Defaults used when a template id has no registered override.
const (
	defaultSubject = "Payment reminder for invoice {invoice_id}"
	defaultBody    = "Dear {customer_name}, invoice {invoice_id} over {amount} was due {due_date}. Please arrange payment."
)

func subjectFor(templateID string, inv billing.Invoice, overrides map[string]string) string {
	tpl := defaultSubject
	if t, ok := overrides[templateID+".subject"]; ok && t != "" {
		tpl = t
	}
	return RenderTemplate(tpl, templateData(inv))
}

func bodyFor(templateID string, inv billing.Invoice, overrides map[string]string) string {
	tpl := defaultBody
	if t, ok := overrides[templateID+".body"]; ok && t != "" {
		tpl = t
	}
	return RenderTemplate(tpl, templateData(inv))
}
