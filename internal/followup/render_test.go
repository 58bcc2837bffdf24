package followup

import (
	"strings"
	"testing"
	"time"

	"dunner/internal/billing"
)

func TestRenderTemplate(t *testing.T) {
	t.Parallel()
	got := RenderTemplate("Hi {customer_name}, {amount} due.", map[string]string{
		"customer_name": "Acme",
		"amount":        "EUR 12.50",
	})
	if got != "Hi Acme, EUR 12.50 due." {
		t.Fatalf("rendered %q", got)
	}

	// Unknown placeholders stay verbatim rather than eating the message.
	got = RenderTemplate("{nope}", map[string]string{"customer_name": "Acme"})
	if got != "{nope}" {
		t.Fatalf("rendered %q", got)
	}
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()
	if got := formatAmount(12550, "EUR"); got != "EUR 125.50" {
		t.Fatalf("got %q", got)
	}
	if got := formatAmount(5, ""); got != "EUR 0.05" {
		t.Fatalf("got %q", got)
	}
}

func TestSubjectAndBodyOverrides(t *testing.T) {
	t.Parallel()
	inv := billing.Invoice{
		ExternalID:   "inv-42",
		CustomerName: "Acme GmbH",
		BalanceCents: 9900,
		Currency:     "USD",
		DueDate:      time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}

	subject := subjectFor("pre_due", inv, nil)
	if !strings.Contains(subject, "inv-42") {
		t.Fatalf("default subject = %q", subject)
	}
	body := bodyFor("pre_due", inv, nil)
	if !strings.Contains(body, "Acme GmbH") || !strings.Contains(body, "USD 99.00") || !strings.Contains(body, "2025-02-01") {
		t.Fatalf("default body = %q", body)
	}

	overrides := map[string]string{
		"pre_due.subject": "Heads up: {invoice_id}",
		"pre_due.body":    "{customer_name}, {amount} is coming due.",
	}
	if got := subjectFor("pre_due", inv, overrides); got != "Heads up: inv-42" {
		t.Fatalf("override subject = %q", got)
	}
	if got := bodyFor("pre_due", inv, overrides); got != "Acme GmbH, USD 99.00 is coming due." {
		t.Fatalf("override body = %q", got)
	}
	// Other template ids keep the defaults.
	if got := subjectFor("final_notice", inv, overrides); !strings.Contains(got, "Payment reminder") {
		t.Fatalf("unrelated template picked up override: %q", got)
	}
}
