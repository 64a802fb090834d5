// Package parser extracts the amount due and payment history from county
// record pages.
package parser

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/taxdue-crawler/internal/crawler"
)

const (
	// TotalDueSelector anchors the amount due cell.
	TotalDueSelector = "td#dnn_ctr368_View_tdPMTotalDue"
	// PaymentHistorySelector anchors the payment history table.
	PaymentHistorySelector = "table#tblPaymentHistoryData"

	paymentColumns = 5
)

var (
	groupedAmount = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
	plainAmount   = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

// Config overrides the page anchors.
type Config struct {
	TotalDueSelector       string
	PaymentHistorySelector string
}

// Parser implements crawler.Parser with CSS anchors.
type Parser struct {
	totalDue string
	payments string
}

// New builds a Parser, filling empty selectors with the defaults.
func New(cfg Config) *Parser {
	if cfg.TotalDueSelector == "" {
		cfg.TotalDueSelector = TotalDueSelector
	}
	if cfg.PaymentHistorySelector == "" {
		cfg.PaymentHistorySelector = PaymentHistorySelector
	}
	return &Parser{totalDue: cfg.TotalDueSelector, payments: cfg.PaymentHistorySelector}
}

// Parse extracts the amount due and payment history. A page without exactly
// one amount due cell, or whose amount is not numeric, fails with a
// *crawler.ParseError.
func (p *Parser) Parse(raw crawler.RawResponse) (crawler.ParsedResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return crawler.ParsedResult{}, &crawler.ParseError{
			Reason: crawler.ReasonSchemaMismatch,
			Detail: fmt.Sprintf("read document: %v", err),
		}
	}

	cells := doc.Find(p.totalDue)
	switch n := cells.Length(); {
	case n == 0:
		return crawler.ParsedResult{}, &crawler.ParseError{
			Reason: crawler.ReasonSchemaMismatch,
			Detail: fmt.Sprintf("%s not found", p.totalDue),
		}
	case n > 1:
		return crawler.ParsedResult{}, &crawler.ParseError{
			Reason: crawler.ReasonSchemaMismatch,
			Detail: fmt.Sprintf("%d cells match %s", n, p.totalDue),
		}
	}

	text := collapseSpace(cells.Text())
	amount, err := ParseAmount(text)
	if err != nil {
		return crawler.ParsedResult{}, err
	}

	payments, err := p.parsePayments(doc)
	if err != nil {
		return crawler.ParsedResult{}, err
	}
	return crawler.ParsedResult{
		AmountDue:     amount,
		AmountDueText: text,
		Payments:      payments,
	}, nil
}

func (p *Parser) parsePayments(doc *goquery.Document) ([]crawler.Payment, error) {
	var (
		payments []crawler.Payment
		rowErr   error
	)
	doc.Find(p.payments).First().Find("tr").EachWithBreak(func(i int, row *goquery.Selection) bool {
		if i == 0 {
			return true // header
		}
		cells := row.Find("td")
		switch n := cells.Length(); {
		case n <= 1:
			// empty rows and "no payments" banners
			return true
		case n < paymentColumns:
			rowErr = &crawler.ParseError{
				Reason: crawler.ReasonSchemaMismatch,
				Detail: fmt.Sprintf("payment row %d has %d cells", i, n),
			}
			return false
		}
		payments = append(payments, paymentFromRow(cells))
		return true
	})
	if rowErr != nil {
		return nil, rowErr
	}
	return payments, nil
}

func paymentFromRow(cells *goquery.Selection) crawler.Payment {
	cell := func(i int) string { return collapseSpace(cells.Eq(i).Text()) }

	payment := crawler.Payment{
		TaxYear:         cell(0),
		TransactionDate: cell(1),
		EffectiveDate:   cell(2),
		AmountText:      cell(3),
	}
	if amount, err := ParseAmount(payment.AmountText); err == nil {
		payment.Amount = &amount
	}
	receipt := cells.Eq(4)
	if link := receipt.Find("a").First(); link.Length() > 0 {
		payment.Receipt = collapseSpace(link.Text())
	} else {
		payment.Receipt = collapseSpace(receipt.Text())
	}
	return payment
}

// ParseAmount converts a currency string such as "$1,234.56" or "(12.00)"
// to a float. Currency symbols, thousands separators, and spaces are
// stripped; anything else that is not numeric is rejected.
func ParseAmount(text string) (float64, error) {
	s := strings.TrimSpace(text)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, " ", "")
	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}

	switch {
	case s == "":
		return 0, &crawler.ParseError{Reason: crawler.ReasonNonNumeric, Detail: fmt.Sprintf("empty amount %q", text)}
	case groupedAmount.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	case plainAmount.MatchString(s):
	default:
		return 0, &crawler.ParseError{Reason: crawler.ReasonNonNumeric, Detail: fmt.Sprintf("%q", text)}
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &crawler.ParseError{Reason: crawler.ReasonNonNumeric, Detail: fmt.Sprintf("%q: %v", text, err)}
	}
	if negative {
		value = -value
	}
	return value, nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
