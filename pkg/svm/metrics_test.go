package svm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-svm/pkg/svm/txcontext"
)

func TestTransactionErrorMetricsRecord(t *testing.T) {
	var m TransactionErrorMetrics
	m.Record(nil)
	m.Record(ErrAccountNotFound)
	m.Record(fmt.Errorf("load: %w", ErrBlockhashNotFound))
	m.Record(NewInstructionError(0, &txcontext.CustomError{Code: 1}))
	m.Record(&InsufficientFundsForRentError{AccountIndex: 1})
	m.Record(ErrMaxLoadedAccountsDataSizeExceeded)

	assert.Equal(t, uint64(5), m.Total)
	assert.Equal(t, map[string]uint64{
		"account_not_found":                      1,
		"blockhash_not_found":                    1,
		"instruction_error":                      1,
		"invalid_rent_paying_account":            1,
		"max_loaded_accounts_data_size_exceeded": 1,
	}, m.Counts())
}

func TestTransactionErrorMetricsCategories(t *testing.T) {
	var m TransactionErrorMetrics
	m.Record(ErrSanitizeFailure)
	m.Record(ErrSignatureFailure)
	m.Record(ErrUnbalancedTransaction)
	m.Record(errors.New("disk on fire"))

	assert.Equal(t, uint64(4), m.Total)
	assert.Equal(t, m.Total, m.Categorized())
	assert.Equal(t, uint64(1), m.Other)

	m.Count(ErrAccountNotFound)
	assert.Equal(t, uint64(4), m.Total)
	assert.Equal(t, uint64(5), m.Categorized())
}

func TestTransactionErrorMetricsAccumulate(t *testing.T) {
	a := TransactionErrorMetrics{Total: 1, AccountInUse: ^uint64(0)}
	b := TransactionErrorMetrics{Total: 2, AccountInUse: 5, InsufficientFunds: 3}
	a.Accumulate(&b)
	assert.Equal(t, uint64(3), a.Total)
	assert.Equal(t, ^uint64(0), a.AccountInUse)
	assert.Equal(t, uint64(3), a.InsufficientFunds)
}

func TestMetricsReporter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewMetricsReporter(reg)
	require.NoError(t, err)

	r.Report(&TransactionErrorMetrics{Total: 2, AccountNotFound: 2})
	r.Report(nil)
	assert.Equal(t, float64(2), testutil.ToFloat64(r.total))
	assert.Equal(t, float64(2), testutil.ToFloat64(r.errors.WithLabelValues("account_not_found")))

	_, err = NewMetricsReporter(reg)
	assert.Error(t, err)
}
