package domain

import "errors"

var (
	ErrInvoiceNotFound        = errors.New("invoice_not_found")
	ErrQuoteNotFound          = errors.New("quote_not_found")
	ErrQuoteAlreadyConverted  = errors.New("quote_already_converted")
	ErrQuoteNotConvertible    = errors.New("quote_not_convertible")
	ErrNumberAllocationFailed = errors.New("invoice_number_allocation_failed")
)
